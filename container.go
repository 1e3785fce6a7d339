package component

// Container is an ordered registry of beans with managed-mode tracking.
type Container interface {
	// AddBean adds o. A LifeCycle bean is AUTO, or UNMANAGED when it is
	// already running; anything else is a POJO. It returns false when o is
	// nil or already present.
	AddBean(o any) (bool, error)

	// AddBeanManaged adds o as MANAGED or UNMANAGED.
	AddBeanManaged(o any, managed bool) (bool, error)

	// RemoveBean removes o, stopping it if it was managed.
	RemoveBean(o any) (bool, error)

	// Beans returns the beans in insertion order.
	Beans() []any

	ContainsBean(o any) bool

	Manage(o any) error
	Unmanage(o any) error
	IsManaged(o any) bool
	IsUnmanaged(o any) bool

	AddEventListener(listener EventListener) bool
	RemoveEventListener(listener EventListener) bool

	// VisitContainedBeans calls visit for every bean of this container and,
	// recursively, of the manageable containers among them.
	VisitContainedBeans(visit func(bean any))
}

// ContainerListener is notified when beans are added or removed.
type ContainerListener interface {
	BeanAdded(parent Container, child any)
	BeanRemoved(parent Container, child any)
}

// InheritedListener is a ContainerListener that a container also adds to
// each of its managed child containers.
type InheritedListener interface {
	ContainerListener
	IsInherited() bool
}

func isInherited(listener any) bool {
	il, ok := listener.(InheritedListener)
	return ok && il.IsInherited()
}

// BeansOf returns the beans of c that are a T.
func BeansOf[T any](c Container) []T {
	var out []T
	for _, b := range c.Beans() {
		if t, ok := b.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// BeanOf returns the first bean of c that is a T.
func BeanOf[T any](c Container) (T, bool) {
	for _, b := range c.Beans() {
		if t, ok := b.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// ContainedBeansOf returns the beans that are a T in c and in the nested
// containers c manages.
func ContainedBeansOf[T any](c Container) []T {
	var out []T
	c.VisitContainedBeans(func(b any) {
		if t, ok := b.(T); ok {
			out = append(out, t)
		}
	})
	return out
}

// UpdateBeans removes the old beans missing from newBeans and adds the
// new ones missing from oldBeans.
func UpdateBeans[T any](c Container, oldBeans, newBeans []T) error {
	var errs MultiError
outerRemove:
	for _, o := range oldBeans {
		for _, n := range newBeans {
			if sameObject(o, n) {
				continue outerRemove
			}
		}
		_, err := c.RemoveBean(o)
		errs.Add(err)
	}
outerAdd:
	for _, n := range newBeans {
		for _, o := range oldBeans {
			if sameObject(o, n) {
				continue outerAdd
			}
		}
		_, err := c.AddBean(n)
		errs.Add(err)
	}
	return errs.Err()
}
