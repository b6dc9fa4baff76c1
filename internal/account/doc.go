// Package account keeps one authenticated cloud client per configured
// eSTUDNA account.
//
// The Registry owns a single HTTP transport shared by all of its clients.
// Clients are handed the transport through thingsboard.WithHTTPClient, so
// closing a client never tears down connections used by another account;
// the registry releases the transport itself in Close.
//
//	reg := account.NewRegistry(httpClient, logger)
//	defer reg.Close()
//
//	for _, acc := range cfg.Accounts {
//	    if _, err := reg.Register(ctx, acc); err != nil {
//	        return err
//	    }
//	}
//
// Device lists are fetched once per entry and cached until Invalidate is
// called, typically after a poll failure.
package account
