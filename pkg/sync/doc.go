/*
The sync package implements livesync's one-way sync algorithm. It keeps a
destination directory tree, usually on another machine, identical to a source
tree on the local machine while the source is being edited.

Changes flow through the following pieces:

 1. Filesystem events are fed to the Syncer, which records them in the Table
    of pending changes. The Table coalesces events so that there's at most one
    change per path, and holds freshly written files back for a short delay so
    that bursts of writes turn into a single transfer.
 2. The SubtreeScanner lists directories whose contents were never reported
    individually, such as a directory that was moved into the tree.
 3. The Reconciler compares a full scan of the source against a listing of the
    destination. It runs at the start of every session, and periodically if
    filesystem events aren't available.
 4. The Syncer resolves ready changes against the source filesystem and sends
    them to the destination in batches. Each change is removed from the Table
    only once the destination confirms it, and only if no newer change for the
    same path arrived in the meantime. Renames are sent before everything else,
    in the order they happened.

Only regular files and directories are synced. Symbolic links are skipped, and
file permissions aren't preserved.
*/
package sync
