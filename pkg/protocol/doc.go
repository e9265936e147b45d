// Package protocol implements the resume wire format and the pump that
// drives one attached client through replay and tail.
package protocol
