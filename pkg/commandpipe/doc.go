/*
Package commandpipe implements the engine's side-channel control surface:
a line-oriented protocol ("step", "kill <id>", "restart <id>", "pause",
"resume") accepted over a Unix domain socket, durably queued via
pkg/storage.Store.AppendCommand, and drained by pkg/engine at the top of
every tick.

Every command is idempotent in effect — a repeated "kill <id>" is
harmless — because pkg/engine's apply phase already treats a kill/restart
on a target that cannot accept one as a no-op. Pipe itself does no
target-state validation, it only durably records intent.
*/
package commandpipe
