/*
Package layout builds the three-layer directory structure every instance
runs on: a shared owner-scoped install tree referenced through a symlink, a
dedicated mutable save-state directory, and the instance root tying them
together.

Layout derives paths; Ensure materializes them and is safe to run before
every start. Ownership is handled in two distinct regimes: instance-root
files belong to the service process, while the save dir is recursively
chowned to the fixed non-root user the container runs as, because it is
bind-mounted across the container boundary. Directories found with a
foreign owner (typically created by a privileged installer) are chowned in
place when possible and renamed aside when not, with the rename logged as
an environment problem that needs an operator.
*/
package layout
