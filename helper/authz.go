package helper

import "context"

// Authorizer is the external policy broker the helper blocks on before
// executing any request (spec §4.8 step 3). Its implementation (e.g.
// polkit, a D-Bus policy daemon) lives outside this module's scope; this
// module only defines the contract and a couple of trivial broker
// implementations useful for tests and single-user setups.
type Authorizer interface {
	// Authorize blocks until the broker has a verdict for subject
	// performing action. noInteraction forbids the broker from prompting
	// a human and must fail closed instead.
	Authorize(ctx context.Context, subject, action string, noInteraction bool) error
}

// AllowAllAuthorizer grants every request unconditionally. Useful for
// single-user installations and tests; never the right choice for a
// multi-user system, where a real policy broker must be supplied.
type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(ctx context.Context, subject, action string, noInteraction bool) error {
	return nil
}

// DenyAllAuthorizer refuses every request. Useful as a safe default and in
// tests that assert authorization is actually consulted.
type DenyAllAuthorizer struct{}

func (DenyAllAuthorizer) Authorize(ctx context.Context, subject, action string, noInteraction bool) error {
	return errAuthDenied(subject, action)
}
