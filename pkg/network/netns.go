package network

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// NamespacePrefix names per-VM network namespaces: ember-{8 chain-hash chars}.
const NamespacePrefix = "ember-"

// NamespaceName derives the network namespace name for a VM identifier,
// reusing the chain-name digest so both isolation artifacts trace back to
// the same VM.
func NamespaceName(vmID string) string {
	return NamespacePrefix + ChainName(vmID)[len(chainPrefix):]
}

// CreateIsolatedNamespace creates a named network namespace containing only
// a loopback interface. A hypervisor process started inside it has no route
// to any host interface, so network denial holds even if a firewall rule is
// lost: the namespace simply has nothing to send packets through.
func CreateIsolatedNamespace(vmID string) (name string, err error) {
	name = NamespaceName(vmID)

	// Namespace switches are per-thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return "", fmt.Errorf("%w: reading current namespace: %v", ErrNamespaceCreate, err)
	}
	defer orig.Close()

	handle, err := netns.NewNamed(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNamespaceCreate, name, err)
	}
	defer handle.Close()
	// NewNamed switches the thread into the new namespace; make sure we
	// switch back whatever happens below.
	defer func() {
		if serr := netns.Set(orig); serr != nil && err == nil {
			err = fmt.Errorf("%w: restoring namespace: %v", ErrNamespaceCreate, serr)
		}
	}()

	lo, err := netlink.LinkByName("lo")
	if err != nil {
		_ = netns.DeleteNamed(name)
		return "", fmt.Errorf("%w: loopback lookup in %s: %v", ErrNamespaceCreate, name, err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		_ = netns.DeleteNamed(name)
		return "", fmt.Errorf("%w: loopback up in %s: %v", ErrNamespaceCreate, name, err)
	}

	return name, nil
}

// RunInNamespace executes fn with the calling thread switched into the
// named namespace. A process started by fn is created on that thread and
// inherits the namespace, which is how the hypervisor ends up inside its
// loopback-only boundary.
func RunInNamespace(name string, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("reading current namespace: %w", err)
	}
	defer orig.Close()

	handle, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("opening namespace %s: %w", name, err)
	}
	defer handle.Close()

	if err := netns.Set(handle); err != nil {
		return fmt.Errorf("entering namespace %s: %w", name, err)
	}
	defer func() { _ = netns.Set(orig) }()

	return fn()
}

// VerifyIsolated checks that the named namespace contains no interface
// besides loopback. A tap or veth device here means some other component
// punched a hole in the denial boundary.
func VerifyIsolated(name string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("reading current namespace: %w", err)
	}
	defer orig.Close()

	handle, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("opening namespace %s: %w", name, err)
	}
	defer handle.Close()

	if err := netns.Set(handle); err != nil {
		return fmt.Errorf("entering namespace %s: %w", name, err)
	}
	defer func() { _ = netns.Set(orig) }()

	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("listing links in %s: %w", name, err)
	}
	for _, link := range links {
		if link.Attrs().Name != "lo" {
			return fmt.Errorf("%w: %s contains %s", ErrNamespaceDirty, name, link.Attrs().Name)
		}
	}
	return nil
}

// DeleteNamespace removes the named namespace. Missing namespaces are not an
// error; teardown runs on every exit path and may repeat.
func DeleteNamespace(name string) error {
	if err := netns.DeleteNamed(name); err != nil {
		if _, gerr := netns.GetFromName(name); gerr != nil {
			return nil
		}
		return fmt.Errorf("deleting namespace %s: %w", name, err)
	}
	return nil
}
