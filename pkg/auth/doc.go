/*
Package auth implements Strata's token service.

Two grants are supported: OAuth 2.0 client credentials for machine
identities (service accounts with bcrypt-hashed secrets) and password for
human admins, with a five-failure lockout window. Tokens are RS256 JWTs
signed with the key manager's current key; the kid header names the key
version so validation can pick the right public key, falling back to every
active key during the rotation overlap window. Validation failures are
typed: invalid, expired, or wrong type.
*/
package auth
