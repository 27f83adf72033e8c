// Package crypto implements the cryptographic helpers used by the Mojito DHT.
//
// It covers three concerns:
//
//   - [KeyPair], [Sign] and [Verify]: Ed25519 signatures over locally
//     published values, so remote nodes can check that a value really comes
//     from the key holder.
//   - [TokenProvider]: short keyed BLAKE2b MACs handed out in FIND_NODE
//     responses. A node only accepts a STORE that echoes back a token it
//     issued to the same sender, which prevents blind store flooding.
//   - [TimeProvider] and [Logger]: time injection for deterministic
//     tests and standardized logrus fields.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sig, _ := crypto.Sign(payload, keys.Private)
//	ok, _ := crypto.Verify(payload, sig, keys.Public)
package crypto
