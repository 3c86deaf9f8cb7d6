/*
Package backend implements the pluggable execution substrates a Target's
build process runs on: a local process, and cluster schedulers reached
through pkg/host (PBS/Torque, LSF, Hadoop YARN). Every backend writes and
polls the same monitored script (monitoredscript.go) and is registered by
name into a compiled-in map (registry.go) rather than loaded at runtime:
there is no sandboxing story for arbitrary plugin code, so the plugin set
is fixed at build time. See pkg/engine for how the engine drives
Start/Update/Kill across a tick.
*/
package backend
