package projection

import (
	"context"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// node is a loopback node that reports namespace changes to the engine.
type node struct {
	fs.LoopbackNode
	engine *Engine
}

var (
	_ fs.NodeCreater  = (*node)(nil)
	_ fs.NodeMkdirer  = (*node)(nil)
	_ fs.NodeUnlinker = (*node)(nil)
	_ fs.NodeRmdirer  = (*node)(nil)
	_ fs.NodeRenamer  = (*node)(nil)
)

func (e *Engine) newNode(root *fs.LoopbackRoot, parent *fs.Inode, name string, st *syscall.Stat_t) fs.InodeEmbedder {
	return &node{LoopbackNode: fs.LoopbackNode{RootData: root}, engine: e}
}

func (n *node) child(name string) string {
	return filepath.Join(n.Path(nil), name)
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	inode, fh, fuseFlags, errno := n.LoopbackNode.Create(ctx, name, flags, mode, out)
	n.engine.trace.record(opCreate, errno)
	if errno == 0 {
		n.engine.notify(Operation{Kind: OpCreated, Path: n.child(name)})
	}
	return inode, fh, fuseFlags, errno
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	inode, errno := n.LoopbackNode.Mkdir(ctx, name, mode, out)
	n.engine.trace.record(opMkdir, errno)
	if errno == 0 {
		n.engine.notify(Operation{Kind: OpCreated, Path: n.child(name)})
	}
	return inode, errno
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	errno := n.LoopbackNode.Unlink(ctx, name)
	n.engine.trace.record(opUnlink, errno)
	if errno == 0 {
		n.engine.notify(Operation{Kind: OpRemoved, Path: n.child(name)})
	}
	return errno
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	errno := n.LoopbackNode.Rmdir(ctx, name)
	n.engine.trace.record(opRmdir, errno)
	if errno == 0 {
		n.engine.notify(Operation{Kind: OpRemoved, Path: n.child(name)})
	}
	return errno
}

func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	errno := n.LoopbackNode.Rename(ctx, name, newParent, newName, flags)
	n.engine.trace.record(opRename, errno)
	if errno == 0 {
		n.engine.notify(Operation{
			Kind:    OpRenamed,
			OldPath: n.child(name),
			Path:    filepath.Join(newParent.EmbeddedInode().Path(nil), newName),
		})
	}
	return errno
}
