package helper

import (
	"context"
	"fmt"

	"apphub/m/v2/apperr"
	"apphub/m/v2/engine"
	"apphub/m/v2/ref"
	"apphub/m/v2/remote"
	"apphub/m/v2/summary"
)

// Request is the wire shape of one privileged call (spec §6.3: "wire
// protocol-agnostic; conceptually a set of typed methods"). Fields beyond
// Method/Flags/Installation are interpreted per method; unused fields for
// a given method are ignored.
type Request struct {
	Method       Method       `json:"method"`
	Flags        engine.Flags `json:"flags"`
	Installation string       `json:"installation,omitempty"`

	Kind   ref.Kind `json:"kind,omitempty"`
	Name   string   `json:"name,omitempty"`
	Arch   string   `json:"arch,omitempty"`
	Branch string   `json:"branch,omitempty"`

	RemoteName string `json:"remote,omitempty"`
	Origin     string `json:"origin,omitempty"`
	Subpaths   []string `json:"subpaths,omitempty"`

	RepoPath      string `json:"repo_path,omitempty"`
	BundlePath    string `json:"bundle_path,omitempty"`
	SummaryPath   string `json:"summary_path,omitempty"`
	SummarySigPath string `json:"summary_sig_path,omitempty"`

	Remote remote.Remote `json:"remote_config,omitempty"`
	GPGKeys [][]byte     `json:"gpg_keys,omitempty"`

	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

// Response is the wire shape of one reply. On failure OK is false, Error
// carries the error message and ErrorKind names the apperr.Kind; on success Result carries a method-specific
// JSON value (an InstalledRef, a summary.Result, or nothing).
type Response struct {
	OK     bool        `json:"ok"`
	Error  string       `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

// refPtr composes a ref.Ref from a request's Kind/Name/Arch/Branch (empty
// Arch/Branch take ref.Compose's defaults), returning nil when Name is empty
// (methods like Configure carry no ref) or the composed ref is invalid.
func (req Request) refPtr() *ref.Ref {
	if req.Name == "" {
		return nil
	}
	r, err := ref.Compose(req.Kind, req.Name, req.Arch, req.Branch)
	if err != nil {
		return nil
	}
	return &r
}

// dispatch range-checks req.Flags, authorizes the request's policy action,
// and then executes it against eng (spec §4.8 step 4), mapping engine/apperr
// failures onto Response.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	if err := engine.CheckFlags(req.Flags); err != nil {
		return errResponse(err)
	}

	switch req.Method {
	case MethodDeploy:
		r := req.refPtr()
		if r == nil {
			return errResponse(apperr.Wrap(apperr.KindInvalidArgs, "helper.dispatch", fmt.Errorf("deploy requires name/arch/branch")))
		}
		exists, err := s.eng.Status(r.Kind, r.Name, r.Arch, r.Branch)
		deployExists := err == nil && exists.LatestKnownCommit != ""
		action := policyAction(MethodDeploy, r, req.Flags, deployExists)
		if err := s.authorize(ctx, action, req.Flags); err != nil {
			return errResponse(err)
		}
		if deployExists {
			ir, err := s.eng.Update(ctx, req.RemoteName, r.Kind, r.Name, r.Arch, r.Branch, req.Subpaths, req.Flags, nil)
			return resultResponse(ir, err)
		}
		ir, err := s.eng.Install(ctx, req.RemoteName, r.Kind, r.Name, r.Arch, r.Branch, req.Subpaths, req.Flags, nil)
		return resultResponse(ir, err)

	case MethodDeployAppstream, MethodUpdateSummary:
		if err := s.authorize(ctx, policyAction(req.Method, nil, req.Flags, false), req.Flags); err != nil {
			return errResponse(err)
		}
		result, err := s.eng.MergeAppstream(req.RemoteName, req.Arch, req.RepoPath, summary.Filter{})
		return resultResponse(result, err)

	case MethodUninstall:
		r := req.refPtr()
		if r == nil {
			return errResponse(apperr.Wrap(apperr.KindInvalidArgs, "helper.dispatch", fmt.Errorf("uninstall requires name/arch/branch")))
		}
		if err := s.authorize(ctx, policyAction(MethodUninstall, r, req.Flags, true), req.Flags); err != nil {
			return errResponse(err)
		}
		err := s.eng.Uninstall(ctx, r.Kind, r.Name, r.Arch, r.Branch, req.Flags)
		return resultResponse(nil, err)

	case MethodInstallBundle:
		if err := s.authorize(ctx, policyAction(MethodInstallBundle, nil, req.Flags, false), req.Flags); err != nil {
			return errResponse(err)
		}
		ir, err := s.eng.InstallBundle(ctx, req.BundlePath, req.Flags)
		return resultResponse(ir, err)

	case MethodConfigureRemote:
		if err := s.authorize(ctx, policyAction(MethodConfigureRemote, nil, req.Flags, false), req.Flags); err != nil {
			return errResponse(err)
		}
		err := s.eng.ConfigureRemote(req.Remote, req.GPGKeys)
		return resultResponse(nil, err)

	case MethodConfigure:
		if err := s.authorize(ctx, policyAction(MethodConfigure, nil, req.Flags, false), req.Flags); err != nil {
			return errResponse(err)
		}
		err := s.eng.Configure(req.Key, req.Value)
		return resultResponse(nil, err)

	case MethodUpdateRemote:
		if err := s.authorize(ctx, policyAction(MethodUpdateRemote, nil, req.Flags, false), req.Flags); err != nil {
			return errResponse(err)
		}
		refs, err := s.eng.AdoptRemoteSummary(req.SummaryPath, req.SummarySigPath)
		return resultResponse(refs, err)

	case MethodRemoveLocalRef:
		r := req.refPtr()
		if err := s.authorize(ctx, policyAction(MethodRemoveLocalRef, r, req.Flags, false), req.Flags); err != nil {
			return errResponse(err)
		}
		if r == nil {
			return errResponse(apperr.Wrap(apperr.KindInvalidArgs, "helper.dispatch", fmt.Errorf("remove_local_ref requires a ref")))
		}
		err := s.eng.RemoveLocalRef(req.RemoteName, *r)
		return resultResponse(nil, err)

	case MethodPruneLocalRepo:
		if err := s.authorize(ctx, policyAction(MethodPruneLocalRepo, nil, req.Flags, false), req.Flags); err != nil {
			return errResponse(err)
		}
		return resultResponse(nil, s.eng.PruneLocalRepo(ctx))

	case MethodEnsureRepo:
		if err := s.authorize(ctx, policyAction(MethodEnsureRepo, nil, req.Flags, false), req.Flags); err != nil {
			return errResponse(err)
		}
		return resultResponse(nil, s.eng.EnsureRepo())

	case MethodRunTriggers:
		if err := s.authorize(ctx, policyAction(MethodRunTriggers, nil, req.Flags, false), req.Flags); err != nil {
			return errResponse(err)
		}
		return resultResponse(nil, s.eng.RunTriggers())

	case MethodGenerateOciSummary:
		if err := s.authorize(ctx, policyAction(MethodGenerateOciSummary, nil, req.Flags, false), req.Flags); err != nil {
			return errResponse(err)
		}
		return errResponse(apperr.Wrap(apperr.KindUnsupported, "helper.dispatch",
			fmt.Errorf("no OCI registry client is wired into this module")))

	default:
		return errResponse(apperr.Wrap(apperr.KindInvalidArgs, "helper.dispatch", fmt.Errorf("unknown method %q", req.Method)))
	}
}

// authorize blocks on the configured Authorizer, honoring NO_INTERACTION
// (spec §6.3 "Each method accepts a NO_INTERACTION bit that forbids the
// authorization broker from prompting").
func (s *Server) authorize(ctx context.Context, action string, flags engine.Flags) error {
	noInteraction := flags&engine.FlagNoInteraction != 0
	if err := s.authz.Authorize(ctx, s.callerSubject(ctx), action, noInteraction); err != nil {
		return apperr.Wrap(apperr.KindAuthDenied, "helper.authorize", err)
	}
	return nil
}

func errResponse(err error) Response {
	return Response{OK: false, Error: err.Error(), ErrorKind: apperr.KindOf(err).String()}
}

func resultResponse(result interface{}, err error) Response {
	if err != nil {
		return errResponse(err)
	}
	return Response{OK: true, Result: result}
}

func errAuthDenied(subject, action string) error {
	return apperr.Wrap(apperr.KindAuthDenied, "helper.authz", fmt.Errorf("subject %q denied action %q", subject, action))
}
