// Package thingsboard is a client for the SEA Praha cloud API that serves
// eSTUDNA well-level sensors.
//
// The cloud runs ThingsBoard in two generations with incompatible endpoints
// and response shapes:
//
//	Family     Host                       Prefix   Relays
//	estudna    https://cml.seapraha.cz    /api     yes (dout1, dout2)
//	estudna2   https://cml5.seapraha.cz   /apiv2   no
//
// A Client is created for one family and holds one session. The family is
// selected once at construction; every operation then behaves the same way
// from the caller's point of view.
//
// # Session lifecycle
//
//	c, err := thingsboard.New(thingsboard.FamilyV1)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	if err := c.Login(ctx, user, pass); err != nil {
//	    return err
//	}
//	devices, err := c.ListDevices(ctx)
//
// Access tokens are JWTs. Before each authenticated request the client
// decodes the exp claim (the signature is not verified) and refreshes the
// token pair when the current time is at or past it. Refresh is serialised
// per client.
//
// # Telemetry
//
// The level lives under the ain1 key. estudna reports it as a plain numeric
// string; estudna2 wraps it in a JSON envelope, {"str": "1.23"}. Missing or
// malformed values are reported as absent, not as errors.
//
// # Errors
//
// Failures wrap one of ErrConnection, ErrAuth or ErrNotFound and can be
// tested with errors.Is.
//
// # Transport ownership
//
// Without WithHTTPClient the client creates its own transport and releases
// it on Close. A transport passed in with WithHTTPClient belongs to the
// caller and is left untouched.
package thingsboard
