// Package client is the ActingWeb Go SDK.
//
// It covers the full lifecycle of an actor on a remote engine: creating
// it through the factory, reading and writing its properties,
// establishing trust with peer actors, and subscribing to their
// changes.
//
// # Creating an actor
//
// POST to the factory and keep the returned passphrase; it is the owner
// credential for everything that follows:
//
//	c, err := client.New("https://actors.example.com")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	a, err := c.CreateActor(ctx, "alice@example.com", "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(a.ID, a.Passphrase)
//
// # Working as the owner
//
// Owner operations authenticate with the creator name and passphrase:
//
//	c, _ := client.New("https://actors.example.com",
//	    client.WithBasicAuth("alice@example.com", a.Passphrase),
//	)
//	err = c.SetProperty(ctx, a.ID, "settings/display/theme", "dark")
//	val, err := c.GetProperty(ctx, a.ID, "settings")
//
// OAuth2 access tokens work the same way via WithBearerToken.
//
// # Trust and subscriptions
//
// InitiateTrust runs the reciprocal handshake toward a peer actor; once
// both owners have approved, SubscribeToPeer starts the change feed:
//
//	t, err := c.InitiateTrust(ctx, a.ID, "https://other.example.com/actor123", "friend", "")
//	...
//	sub, err := c.SubscribeToPeer(ctx, a.ID, t.PeerID, client.SubscriptionRequest{
//	    Target: "properties",
//	})
//	_, diffs, err := c.GetDiffs(ctx, a.ID, t.PeerID, sub.ID)
//	err = c.ConfirmDiffs(ctx, a.ID, t.PeerID, sub.ID, diffs[len(diffs)-1].Sequence)
package client
