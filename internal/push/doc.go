// Package push signs and delivers task update notifications.
//
// Each agent holds an RSA key pair and publishes its public half as a JSON Web
// Key Set. Notifications are posted with an RS256 JWT whose claims bind the
// issue time and the SHA-256 of the canonical request body.
package push
