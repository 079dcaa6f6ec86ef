package helper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apphub/m/v2/apperr"
	"apphub/m/v2/engine"
	"apphub/m/v2/progress"
	"apphub/m/v2/ref"
	"apphub/m/v2/remote"
	"apphub/m/v2/summary"
)

type fakeEngine struct {
	installed      map[string]ref.InstalledRef
	installCalls   int
	updateCalls    int
	uninstallCalls int
	configureCalls int
	pruneCalls     int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{installed: map[string]ref.InstalledRef{}}
}

func (f *fakeEngine) key(kind ref.Kind, name, arch, branch string) string {
	r, _ := ref.Compose(kind, name, arch, branch)
	return r.Format()
}

func (f *fakeEngine) Status(kind ref.Kind, name, arch, branch string) (ref.InstalledRef, error) {
	ir, ok := f.installed[f.key(kind, name, arch, branch)]
	if !ok {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindNotInstalled, "fake.status", assertErr("not installed"))
	}
	return ir, nil
}

func (f *fakeEngine) Install(ctx context.Context, remoteName string, kind ref.Kind, name, arch, branch string, subpaths []string, flags engine.Flags, sink progress.Sink) (ref.InstalledRef, error) {
	f.installCalls++
	ir := ref.InstalledRef{Origin: remoteName, LatestKnownCommit: "c1", IsCurrent: true}
	ir.Ref, _ = ref.Compose(kind, name, arch, branch)
	f.installed[f.key(kind, name, arch, branch)] = ir
	return ir, nil
}

func (f *fakeEngine) Update(ctx context.Context, remoteName string, kind ref.Kind, name, arch, branch string, subpaths []string, flags engine.Flags, sink progress.Sink) (ref.InstalledRef, error) {
	f.updateCalls++
	ir := f.installed[f.key(kind, name, arch, branch)]
	ir.LatestKnownCommit = "c2"
	f.installed[f.key(kind, name, arch, branch)] = ir
	return ir, nil
}

func (f *fakeEngine) Uninstall(ctx context.Context, kind ref.Kind, name, arch, branch string, flags engine.Flags) error {
	f.uninstallCalls++
	delete(f.installed, f.key(kind, name, arch, branch))
	return nil
}

func (f *fakeEngine) InstallBundle(ctx context.Context, bundlePath string, flags engine.Flags) (ref.InstalledRef, error) {
	return ref.InstalledRef{}, nil
}

func (f *fakeEngine) ConfigureRemote(rem remote.Remote, gpgKeys [][]byte) error {
	f.configureCalls++
	return nil
}

func (f *fakeEngine) Configure(key, value string) error { return nil }

func (f *fakeEngine) MergeAppstream(remoteName, arch, sourceDir string, filter summary.Filter) (summary.Result, error) {
	return summary.Result{}, nil
}

func (f *fakeEngine) AdoptRemoteSummary(summaryPath, summarySigPath string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *fakeEngine) RemoveLocalRef(remoteName string, r ref.Ref) error {
	return apperr.Wrap(apperr.KindUnsupported, "fake.removeLocalRef", assertErr("unsupported"))
}

func (f *fakeEngine) PruneLocalRepo(ctx context.Context) error {
	f.pruneCalls++
	return nil
}

func (f *fakeEngine) EnsureRepo() error { return nil }
func (f *fakeEngine) RunTriggers() error { return nil }

type assertErr string

func (e assertErr) Error() string { return string(e) }

func newTestServer(eng engineAPI, authz Authorizer) *Server {
	return &Server{eng: eng, authz: authz, idle: newIdleTracker()}
}

func TestDispatchDeployRoutesToInstallWhenNotYetDeployed(t *testing.T) {
	fe := newFakeEngine()
	s := newTestServer(fe, AllowAllAuthorizer{})

	resp := s.dispatch(context.Background(), Request{
		Method: MethodDeploy, RemoteName: "R",
		Kind: ref.KindApp, Name: "org.Ed.Editor", Arch: "x86_64", Branch: "stable",
	})

	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, 1, fe.installCalls)
	assert.Equal(t, 0, fe.updateCalls)
}

func TestDispatchDeployRoutesToUpdateWhenAlreadyDeployed(t *testing.T) {
	fe := newFakeEngine()
	s := newTestServer(fe, AllowAllAuthorizer{})

	req := Request{Method: MethodDeploy, RemoteName: "R", Kind: ref.KindApp, Name: "org.Ed.Editor", Arch: "x86_64", Branch: "stable"}
	require.True(t, s.dispatch(context.Background(), req).OK)
	resp := s.dispatch(context.Background(), req)

	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, 1, fe.installCalls)
	assert.Equal(t, 1, fe.updateCalls)
}

func TestDispatchRejectsUnknownFlagBits(t *testing.T) {
	fe := newFakeEngine()
	s := newTestServer(fe, AllowAllAuthorizer{})

	resp := s.dispatch(context.Background(), Request{Method: MethodPruneLocalRepo, Flags: 1 << 30})
	assert.False(t, resp.OK)
	assert.Equal(t, 0, fe.pruneCalls)
}

func TestDispatchDeniedByAuthorizer(t *testing.T) {
	fe := newFakeEngine()
	s := newTestServer(fe, DenyAllAuthorizer{})

	resp := s.dispatch(context.Background(), Request{Method: MethodPruneLocalRepo})
	assert.False(t, resp.OK)
	assert.Equal(t, apperr.KindAuthDenied.String(), resp.ErrorKind)
	assert.Equal(t, 0, fe.pruneCalls)
}

func TestDispatchNoInteractionStillGoesThroughAuthorizer(t *testing.T) {
	fe := newFakeEngine()
	s := newTestServer(fe, DenyAllAuthorizer{})

	resp := s.dispatch(context.Background(), Request{Method: MethodEnsureRepo, Flags: engine.FlagNoInteraction})
	assert.False(t, resp.OK)
}

func TestDispatchUninstallRequiresRef(t *testing.T) {
	fe := newFakeEngine()
	s := newTestServer(fe, AllowAllAuthorizer{})

	resp := s.dispatch(context.Background(), Request{Method: MethodUninstall})
	assert.False(t, resp.OK)
	assert.Equal(t, 0, fe.uninstallCalls)
}

func TestPolicyActionOstreeMetadataEscalates(t *testing.T) {
	r := &ref.Ref{Kind: ref.KindRuntime, Name: ref.OstreeMetadataName, Arch: "x86_64", Branch: "stable"}
	assert.Equal(t, "metadata-update", policyAction(MethodUninstall, r, 0, true))
}

// authorizerFunc adapts a plain function to the Authorizer interface.
type authorizerFunc func(ctx context.Context, subject, action string, noInteraction bool) error

func (f authorizerFunc) Authorize(ctx context.Context, subject, action string, noInteraction bool) error {
	return f(ctx, subject, action, noInteraction)
}

// TestDispatchOstreeMetadataEscalatesThroughRefPtr exercises the real path
// a wire request takes: Request.refPtr composes a ref.Ref via ref.Compose
// before policyAction ever runs. ref.Compose's name grammar rejects most
// names without three dot-separated elements, so this only escalates if
// ref.Compose itself carves out the reserved ostree-metadata name.
func TestDispatchOstreeMetadataEscalatesThroughRefPtr(t *testing.T) {
	fe := newFakeEngine()
	var gotAction string
	authz := authorizerFunc(func(ctx context.Context, subject, action string, noInteraction bool) error {
		gotAction = action
		return nil
	})
	s := newTestServer(fe, authz)

	req := Request{Method: MethodUninstall, Kind: ref.KindRuntime, Name: ref.OstreeMetadataName, Arch: "x86_64", Branch: "stable"}
	resp := s.dispatch(context.Background(), req)

	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "metadata-update", gotAction)
}

func TestPolicyActionDeployDerivesInstallVsUpdate(t *testing.T) {
	r := &ref.Ref{Kind: ref.KindApp, Name: "org.Ed.Editor", Arch: "x86_64", Branch: "stable"}
	assert.Equal(t, "app/install", policyAction(MethodDeploy, r, 0, false))
	assert.Equal(t, "app/update", policyAction(MethodDeploy, r, 0, true))
	assert.Equal(t, "app/install", policyAction(MethodDeploy, r, engine.FlagInstallHint, true))
}

func TestIdleTrackerReportsIdleOnlyWhenNoRequestsInFlight(t *testing.T) {
	tr := newIdleTracker()
	tr.beginRequest()
	_, ok := tr.idleFor()
	assert.False(t, ok)
	tr.endRequest()
	idle, ok := tr.idleFor()
	assert.True(t, ok)
	assert.GreaterOrEqual(t, idle.Seconds(), float64(0))
}
