package component

import (
	"fmt"
	"reflect"
	"sync/atomic"
)

// BeanMode is how a Container treats the lifecycle of a bean.
type BeanMode int32

const (
	// ModePOJO beans have no lifecycle and are held for lookup only.
	ModePOJO BeanMode = iota
	// ModeManaged beans are started and stopped with the container.
	ModeManaged
	// ModeUnmanaged beans are tracked but owned elsewhere.
	ModeUnmanaged
	// ModeAuto beans are managed or unmanaged when the container starts,
	// depending on whether they are already running.
	ModeAuto
)

func (m BeanMode) String() string {
	switch m {
	case ModePOJO:
		return "POJO"
	case ModeManaged:
		return "MANAGED"
	case ModeUnmanaged:
		return "UNMANAGED"
	case ModeAuto:
		return "AUTO"
	default:
		return fmt.Sprintf("BeanMode(%d)", int32(m))
	}
}

// bean is a registry entry tagged with the capabilities of its value.
type bean struct {
	obj  any
	mode atomic.Int32

	lifecycle   LifeCycle
	destroyable Destroyable
	container   Container
	listener    bool
}

func newBean(o any) *bean {
	b := &bean{obj: o}
	b.lifecycle, _ = o.(LifeCycle)
	b.destroyable, _ = o.(Destroyable)
	b.container, _ = o.(Container)
	b.listener = isEventListener(o)
	return b
}

func (b *bean) Mode() BeanMode {
	return BeanMode(b.mode.Load())
}

func (b *bean) setMode(m BeanMode) {
	b.mode.Store(int32(m))
}

func (b *bean) isManaged() bool {
	return b.Mode() == ModeManaged
}

// isManageable reports whether the container owns what is inside this
// bean: managed beans, and auto beans that nobody else has started.
func (b *bean) isManageable() bool {
	switch b.Mode() {
	case ModeManaged:
		return true
	case ModeAuto:
		return b.lifecycle != nil && b.lifecycle.IsStopped()
	default:
		return false
	}
}

func (b *bean) String() string {
	return fmt.Sprintf("{%v,%s}", b.obj, b.Mode())
}

func isEventListener(o any) bool {
	switch o.(type) {
	case LifeCycleListener, ContainerListener:
		return true
	default:
		return false
	}
}

// sameObject compares by identity. Values of non-comparable types are
// never considered the same.
func sameObject(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
