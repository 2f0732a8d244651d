// Package command splits human-typed command lines into argument
// vectors, honoring the quoting rules of the redis-cli family.
package command
