// Package host abstracts where a backend's commands actually execute.
//
// A Target's BuildProcess names a host by its registry key; the engine
// resolves that to a Host (LocalHost, *Pool-wrapped SSHHost, or a fake in
// tests) before handing it to a pkg/backend implementation. Backends never
// know whether they're running locally or over SSH to a login node — they
// only see the Host interface.
package host
