/*
Package keys manages the rotating RSA signing keys behind Strata's JWTs.

The admin service owns a PEM directory of keypairs named
"<created-unix>_<version>.key/.pub". The Manager loads the directory into an
immutable snapshot swapped under a lock, watches it with fsnotify for hot
reload, and rejects invalid PEMs while keeping the previous snapshot. The
Rotator generates a fresh keypair on an interval under a distributed lock so
only one admin replica rotates. Key lifetime exceeds the rotation interval,
so every token minted under the previous key verifies for at least the
overlap window.

Services that validate tokens but do not hold the key directory use
PubKeyCache, which mirrors the admin's active public keys over HTTP into an
atomically swapped map.
*/
package keys
