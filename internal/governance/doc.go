// Package governance holds the runtime safety controls shared by netopt
// components: bounded exponential retry for southbound calls and token-bucket
// rate limiting for the policy API.
package governance
