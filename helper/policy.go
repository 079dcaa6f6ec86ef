// Package helper implements the System-Helper Channel (spec §4.8): a
// long-running privileged process that exposes the fixed request surface
// of spec §6.3 over a local transport, authorizes each request against an
// external policy broker, and dispatches it onto an Installation Engine.
package helper

import (
	"apphub/m/v2/engine"
	"apphub/m/v2/ref"
)

// Method enumerates the privileged request surface (spec §6.3 table).
type Method string

const (
	MethodDeploy             Method = "Deploy"
	MethodDeployAppstream     Method = "DeployAppstream"
	MethodUninstall           Method = "Uninstall"
	MethodInstallBundle       Method = "InstallBundle"
	MethodConfigureRemote     Method = "ConfigureRemote"
	MethodConfigure           Method = "Configure"
	MethodUpdateRemote        Method = "UpdateRemote"
	MethodRemoveLocalRef      Method = "RemoveLocalRef"
	MethodPruneLocalRepo      Method = "PruneLocalRepo"
	MethodEnsureRepo          Method = "EnsureRepo"
	MethodRunTriggers         Method = "RunTriggers"
	MethodUpdateSummary       Method = "UpdateSummary"
	MethodGenerateOciSummary  Method = "GenerateOciSummary"
)

// policyAction derives the policy action key an authorization broker is
// consulted with, from (method, ref?, flags) (spec §6.3 table + §4.8 step
// 2). deployExists reports whether the targeted ref already has an active
// deployment, needed to pick install vs update for MethodDeploy.
func policyAction(method Method, r *ref.Ref, flags engine.Flags, deployExists bool) string {
	if r != nil && r.Name == ref.OstreeMetadataName {
		return "metadata-update"
	}

	switch method {
	case MethodDeploy:
		verb := "install"
		if flags&engine.FlagInstallHint == 0 && flags&engine.FlagReinstall == 0 && deployExists {
			verb = "update"
		}
		kind := "runtime"
		if r != nil && r.Kind == ref.KindApp {
			kind = "app"
		}
		if flags&engine.FlagAppHint != 0 {
			kind = "app"
		}
		return kind + "/" + verb
	case MethodDeployAppstream:
		return "appstream-update"
	case MethodUninstall:
		kind := "runtime"
		if r != nil && r.Kind == ref.KindApp {
			kind = "app"
		}
		return kind + "-uninstall"
	case MethodInstallBundle:
		return "install-bundle"
	case MethodConfigureRemote:
		return "configure-remote"
	case MethodConfigure:
		return "configure"
	case MethodUpdateRemote:
		return "update-remote"
	case MethodRemoveLocalRef, MethodPruneLocalRepo, MethodEnsureRepo, MethodRunTriggers:
		return "modify-repo"
	case MethodUpdateSummary, MethodGenerateOciSummary:
		return "metadata-update"
	default:
		return "unknown"
	}
}
