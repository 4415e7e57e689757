// Package wire implements the byte-level mechanics shared by the ICAP
// client and server: non-blocking-flavored connection I/O with a single
// wait primitive, the repeated "Name: value\r\n" header codec, and the
// HTTP-style chunked body codec with the ICAP "ieof" and
// "use-original-body=N" extensions.
package wire
