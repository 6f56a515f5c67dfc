// Package roster turns recipient and sender CSV sheets into the records a
// dispatch run consumes, and applies the group (department) filter.
package roster
