// Package logging configures structured JSON logging for amanrag.
//
// Logs go to a size-rotated file under the state directory and, unless
// running as an MCP stdio server, are mirrored to stderr.
package logging
