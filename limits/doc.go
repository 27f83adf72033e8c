// Package limits provides centralized size limits for Mojito DHT messages
// and stored values, so the codec, the dispatcher and the database agree on
// what they accept.
package limits
