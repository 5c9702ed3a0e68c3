// Package jwt verifies RS256 bearer tokens against a remote JWKS key set.
//
// A KeyStore downloads the key set once and derives a refresh schedule from
// the response's cache-control max-age:
//
//	expire  = load + max-age
//	refresh = load + max-age * interval   (interval defaults to 0.5)
//
// Without a max-age the store never expires and ShouldRefresh reports no
// schedule. Refresh is advisory; callers decide when to call Refresh again.
//
// Decode never checks signatures. VerifyTime checks, in order, algorithm,
// kid, key material, signature, exp and nbf, so an expired token with a bad
// signature always reports a signature error.
package jwt
