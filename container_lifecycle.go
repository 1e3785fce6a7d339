package component

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// ContainerLifeCycle is a LifeCycle that owns a Container of beans and
// drives the lifecycle of the managed ones.
//
// Beans are started in insertion order and stopped in reverse order.
// Embedders call Init with themselves, exactly as for BaseLifeCycle.
type ContainerLifeCycle struct {
	BaseLifeCycle

	beansMu   sync.Mutex
	beans     atomic.Pointer[[]*bean]
	listeners atomic.Pointer[[]ContainerListener]

	selfContainer Container
	doStarted     atomic.Bool
	destroyed     atomic.Bool
}

// Init binds the container to the component embedding it.
func (c *ContainerLifeCycle) Init(self LifeCycle) {
	c.BaseLifeCycle.Init(self)
	if sc, ok := self.(Container); ok {
		c.selfContainer = sc
	}
}

func (c *ContainerLifeCycle) container() Container {
	if c.selfContainer != nil {
		return c.selfContainer
	}
	return c
}

func (c *ContainerLifeCycle) snapshot() []*bean {
	if p := c.beans.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *ContainerLifeCycle) containerListeners() []ContainerListener {
	if p := c.listeners.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *ContainerLifeCycle) findBean(o any) *bean {
	for _, b := range c.snapshot() {
		if sameObject(b.obj, o) {
			return b
		}
	}
	return nil
}

// DoStart starts the managed beans and resolves the AUTO ones.
func (c *ContainerLifeCycle) DoStart(ctx context.Context) error {
	if c.destroyed.Load() {
		return fmt.Errorf("%w: %w", ErrIllegalState, ErrDestroyed)
	}

	c.doStarted.Store(true)

	var started []LifeCycle
	for _, b := range c.snapshot() {
		if !c.IsStarting() {
			break
		}
		if b.lifecycle == nil {
			continue
		}

		var err error
		switch b.Mode() {
		case ModeManaged:
			if b.lifecycle.IsStopped() || b.lifecycle.IsFailed() {
				err = c.startBean(ctx, b.lifecycle)
				started = append(started, b.lifecycle)
			}
		case ModeAuto:
			if b.lifecycle.IsStopped() {
				c.manage(b)
				err = c.startBean(ctx, b.lifecycle)
				started = append(started, b.lifecycle)
			} else {
				c.unmanage(b)
			}
		}
		if err != nil {
			return c.rollbackStart(ctx, err, started)
		}
	}
	return nil
}

// BeanStarter is implemented by embedders that start some managed beans
// themselves rather than from DoStart.
type BeanStarter interface {
	StartBean(ctx context.Context, lc LifeCycle) error
}

func (c *ContainerLifeCycle) startBean(ctx context.Context, lc LifeCycle) error {
	if bs, ok := c.Self().(BeanStarter); ok {
		return bs.StartBean(ctx, lc)
	}
	return lc.Start(ctx)
}

// rollbackStart stops, in reverse order, the beans this start attempt
// started, attaching their stop failures to cause.
func (c *ContainerLifeCycle) rollbackStart(ctx context.Context, cause error, started []LifeCycle) error {
	ctx = context.WithoutCancel(ctx)
	var suppressed []error
	for i := len(started) - 1; i >= 0; i-- {
		lc := started[i]
		if !lc.IsRunning() {
			continue
		}
		if err := lc.Stop(ctx); err != nil {
			suppressed = append(suppressed, err)
		}
	}
	return WithSuppressed(cause, suppressed...)
}

// DoStop stops every managed bean in reverse order, attempting all of them
// before reporting failures.
func (c *ContainerLifeCycle) DoStop(ctx context.Context) error {
	c.doStarted.Store(false)

	var errs MultiError
	beans := c.snapshot()
	for i := len(beans) - 1; i >= 0; i-- {
		if !c.IsStopping() {
			break
		}
		b := beans[i]
		if b.Mode() == ModeManaged && b.lifecycle != nil {
			errs.Add(b.lifecycle.Stop(ctx))
		}
	}
	return errs.Err()
}

// Destroy permanently disables the container, destroys its destroyable
// managed and POJO beans in reverse order, and clears the registry.
func (c *ContainerLifeCycle) Destroy() error {
	c.destroyed.Store(true)

	c.beansMu.Lock()
	beans := c.snapshot()
	c.beans.Store(nil)
	c.beansMu.Unlock()

	for i := len(beans) - 1; i >= 0; i-- {
		b := beans[i]
		if b.destroyable == nil {
			continue
		}
		if m := b.Mode(); m != ModeManaged && m != ModePOJO {
			continue
		}
		if err := b.destroyable.Destroy(); err != nil {
			c.Logger().Warn("Unable to destroy", "bean", b.obj, "error", err)
		}
	}
	return nil
}

// IsDestroyed reports whether Destroy was called.
func (c *ContainerLifeCycle) IsDestroyed() bool {
	return c.destroyed.Load()
}

// AddBean adds o, choosing its mode from its running state.
func (c *ContainerLifeCycle) AddBean(o any) (bool, error) {
	if lc, ok := o.(LifeCycle); ok {
		if lc.IsRunning() {
			return c.addBean(o, ModeUnmanaged)
		}
		return c.addBean(o, ModeAuto)
	}
	return c.addBean(o, ModePOJO)
}

// AddBeanManaged adds o as managed or unmanaged.
func (c *ContainerLifeCycle) AddBeanManaged(o any, managed bool) (bool, error) {
	if _, ok := o.(LifeCycle); ok {
		if managed {
			return c.addBean(o, ModeManaged)
		}
		return c.addBean(o, ModeUnmanaged)
	}
	if managed {
		return c.addBean(o, ModePOJO)
	}
	return c.addBean(o, ModeUnmanaged)
}

func (c *ContainerLifeCycle) addBean(o any, mode BeanMode) (bool, error) {
	if o == nil {
		return false, nil
	}

	c.beansMu.Lock()
	if c.findBean(o) != nil {
		c.beansMu.Unlock()
		return false, nil
	}
	b := newBean(o)
	current := c.snapshot()
	next := make([]*bean, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, b)
	c.beans.Store(&next)
	c.beansMu.Unlock()

	for _, l := range c.containerListeners() {
		l.BeanAdded(c.container(), o)
	}
	if b.listener {
		c.container().AddEventListener(o)
	}

	var err error
	switch mode {
	case ModeUnmanaged:
		c.unmanage(b)

	case ModeManaged:
		c.manage(b)
		if c.doStarted.Load() && c.IsRunning() && b.lifecycle != nil && !b.lifecycle.IsRunning() {
			err = b.lifecycle.Start(context.Background())
		}

	case ModeAuto:
		if b.lifecycle == nil {
			b.setMode(ModePOJO)
			break
		}
		switch {
		case c.IsStarting():
			if b.lifecycle.IsRunning() {
				c.unmanage(b)
			} else if c.doStarted.Load() {
				c.manage(b)
				err = b.lifecycle.Start(context.Background())
			} else {
				b.setMode(ModeAuto)
			}
		case c.IsStarted():
			c.unmanage(b)
		default:
			b.setMode(ModeAuto)
		}

	default:
		b.setMode(ModePOJO)
	}

	c.Logger().Debug("Added bean", "container", c.Self(), "bean", b)
	return true, err
}

// RemoveBean removes o. A bean that was managed is stopped.
func (c *ContainerLifeCycle) RemoveBean(o any) (bool, error) {
	c.beansMu.Lock()
	current := c.snapshot()
	idx := -1
	for i, b := range current {
		if sameObject(b.obj, o) {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.beansMu.Unlock()
		return false, nil
	}
	b := current[idx]
	next := make([]*bean, 0, len(current)-1)
	next = append(next, current[:idx]...)
	next = append(next, current[idx+1:]...)
	c.beans.Store(&next)
	c.beansMu.Unlock()

	wasManaged := b.isManaged()
	c.unmanage(b)

	for _, l := range c.containerListeners() {
		l.BeanRemoved(c.container(), o)
	}
	if b.listener {
		c.container().RemoveEventListener(o)
	}

	if wasManaged && b.lifecycle != nil {
		if err := b.lifecycle.Stop(context.Background()); err != nil {
			return true, err
		}
	}
	return true, nil
}

// UpdateBean replaces oldBean with newBean.
func (c *ContainerLifeCycle) UpdateBean(oldBean, newBean any) error {
	if sameObject(oldBean, newBean) {
		return nil
	}
	var errs MultiError
	if oldBean != nil {
		_, err := c.RemoveBean(oldBean)
		errs.Add(err)
	}
	if newBean != nil {
		_, err := c.AddBean(newBean)
		errs.Add(err)
	}
	return errs.Err()
}

// UpdateBeanManaged replaces oldBean with newBean added as managed or not.
func (c *ContainerLifeCycle) UpdateBeanManaged(oldBean, newBean any, managed bool) error {
	if sameObject(oldBean, newBean) {
		return nil
	}
	var errs MultiError
	if oldBean != nil {
		_, err := c.RemoveBean(oldBean)
		errs.Add(err)
	}
	if newBean != nil {
		_, err := c.AddBeanManaged(newBean, managed)
		errs.Add(err)
	}
	return errs.Err()
}

// Beans returns the beans in insertion order.
func (c *ContainerLifeCycle) Beans() []any {
	beans := c.snapshot()
	out := make([]any, len(beans))
	for i, b := range beans {
		out[i] = b.obj
	}
	return out
}

func (c *ContainerLifeCycle) ContainsBean(o any) bool {
	return c.findBean(o) != nil
}

// BeanMode returns the mode of o and whether o is a bean of c.
func (c *ContainerLifeCycle) BeanMode(o any) (BeanMode, bool) {
	if b := c.findBean(o); b != nil {
		return b.Mode(), true
	}
	return ModePOJO, false
}

func (c *ContainerLifeCycle) IsManaged(o any) bool {
	b := c.findBean(o)
	return b != nil && b.isManaged()
}

func (c *ContainerLifeCycle) IsUnmanaged(o any) bool {
	b := c.findBean(o)
	return b != nil && b.Mode() == ModeUnmanaged
}

func (c *ContainerLifeCycle) IsAuto(o any) bool {
	b := c.findBean(o)
	return b != nil && b.Mode() == ModeAuto
}

// Manage marks o as managed.
func (c *ContainerLifeCycle) Manage(o any) error {
	b := c.findBean(o)
	if b == nil {
		return fmt.Errorf("%w: unknown bean %v", ErrIllegalArgument, o)
	}
	c.manage(b)
	return nil
}

// Unmanage marks o as unmanaged.
func (c *ContainerLifeCycle) Unmanage(o any) error {
	b := c.findBean(o)
	if b == nil {
		return fmt.Errorf("%w: unknown bean %v", ErrIllegalArgument, o)
	}
	c.unmanage(b)
	return nil
}

func (c *ContainerLifeCycle) manage(b *bean) {
	if b.Mode() == ModeManaged {
		return
	}
	// listeners see the new mode while being added
	b.setMode(ModeManaged)
	if b.container == nil {
		return
	}
	for _, l := range c.containerListeners() {
		if isInherited(l) {
			if _, err := b.container.AddBeanManaged(l, false); err != nil {
				c.Logger().Warn("Unable to inherit listener", "bean", b.obj, "listener", l, "error", err)
			}
		}
	}
}

func (c *ContainerLifeCycle) unmanage(b *bean) {
	if b.Mode() == ModeUnmanaged {
		return
	}
	if b.Mode() == ModeManaged && b.container != nil {
		for _, l := range c.containerListeners() {
			if isInherited(l) {
				if _, err := b.container.RemoveBean(l); err != nil {
					c.Logger().Warn("Unable to remove inherited listener", "bean", b.obj, "listener", l, "error", err)
				}
			}
		}
	}
	b.setMode(ModeUnmanaged)
}

// AddEventListener registers listener, adding it as a bean when absent.
// A ContainerListener is told about every existing bean, and an
// InheritedListener is also added to the managed child containers.
func (c *ContainerLifeCycle) AddEventListener(listener EventListener) bool {
	if !c.BaseLifeCycle.AddEventListener(listener) {
		return false
	}

	if !c.ContainsBean(listener) {
		if _, err := c.container().AddBean(listener); err != nil {
			c.Logger().Warn("Unable to add listener bean", "listener", listener, "error", err)
		}
	}

	cl, ok := listener.(ContainerListener)
	if !ok {
		return true
	}

	c.beansMu.Lock()
	current := c.containerListeners()
	next := make([]ContainerListener, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, cl)
	c.listeners.Store(&next)
	c.beansMu.Unlock()

	for _, b := range c.snapshot() {
		cl.BeanAdded(c.container(), b.obj)
		if isInherited(listener) && b.isManaged() && b.container != nil {
			if _, err := b.container.AddBeanManaged(listener, false); err != nil {
				c.Logger().Warn("Unable to inherit listener", "bean", b.obj, "listener", listener, "error", err)
			}
		}
	}
	return true
}

// RemoveEventListener deregisters listener and removes it as a bean.
func (c *ContainerLifeCycle) RemoveEventListener(listener EventListener) bool {
	if !c.BaseLifeCycle.RemoveEventListener(listener) {
		return false
	}

	if _, err := c.container().RemoveBean(listener); err != nil {
		c.Logger().Warn("Unable to remove listener bean", "listener", listener, "error", err)
	}

	cl, ok := listener.(ContainerListener)
	if !ok || !c.removeContainerListener(cl) {
		return true
	}

	for _, b := range c.snapshot() {
		cl.BeanRemoved(c.container(), b.obj)
		if isInherited(listener) && b.isManaged() && b.container != nil {
			if _, err := b.container.RemoveBean(listener); err != nil {
				c.Logger().Warn("Unable to remove inherited listener", "bean", b.obj, "listener", listener, "error", err)
			}
		}
	}
	return true
}

func (c *ContainerLifeCycle) removeContainerListener(cl ContainerListener) bool {
	c.beansMu.Lock()
	defer c.beansMu.Unlock()

	current := c.containerListeners()
	for i, existing := range current {
		if sameObject(existing, cl) {
			next := make([]ContainerListener, 0, len(current)-1)
			next = append(next, current[:i]...)
			next = append(next, current[i+1:]...)
			c.listeners.Store(&next)
			return true
		}
	}
	return false
}

// VisitContainedBeans visits the beans of c and of its manageable nested
// containers.
func (c *ContainerLifeCycle) VisitContainedBeans(visit func(bean any)) {
	for _, b := range c.snapshot() {
		visit(b.obj)
		if b.container != nil && b.isManageable() {
			b.container.VisitContainedBeans(visit)
		}
	}
}
