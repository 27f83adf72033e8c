// Package mojito is a Kademlia distributed hash table.
//
// A Context ties together the routing table, the value database, the RPC
// dispatcher and the lookup managers of one DHT node. It is created from
// Options, bound to a transport, started, and then bootstrapped into the
// network:
//
//	ctx, err := mojito.New(mojito.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := ctx.Bind("0.0.0.0:4000"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := ctx.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer ctx.Close()
//
//	if _, err := ctx.Bootstrap(context.Background(), "seed.example.org:4000"); err != nil {
//	    log.Fatal(err)
//	}
//
//	key := kuid.ValueIDFromBytes([]byte("greeting"))
//	ok, err := ctx.Put(context.Background(), key, []byte("hello"), nil)
//
// Every network operation also has an asynchronous form returning a
// Future. Save and Load persist the node identity, its live contacts and
// its values between runs.
package mojito
