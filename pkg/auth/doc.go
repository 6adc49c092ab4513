// Package auth provides pluggable authentication for the sandout API.
//
// Authentication uses a chain of authenticators with three-outcome voting:
// each returns Yes (identity found), No (credentials invalid), or Abstain
// (cannot handle the credentials). The chain's default decision applies
// when every authenticator abstains.
//
// Auth runs as HTTP middleware in front of the execution API. It enforces
// per-tier rate limits and puts the caller's tenant into the request
// context, which scopes every storage query.
package auth
