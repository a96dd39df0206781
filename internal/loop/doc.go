// Package loop runs registered checks on a fixed period.
//
// Each cycle visits checks in registration order. A check whose condition
// reports false is skipped for that cycle. Check failures and panics are
// counted per check and never stop the cycle. A panic in the cycle driver
// itself triggers a fixed cool-down before the next cycle.
package loop
