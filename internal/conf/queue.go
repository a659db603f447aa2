package conf

import "fmt"

// Queue overrides the bounded-queue capacity shared by the UDP-ingress,
// TCP-ingress, and egress queues. The UDP relay's registration queue
// always uses queue.DefaultCapacity.
type Queue struct {
	Capacity int `yaml:"capacity"`
}

func (c *Queue) setDefaults() {
	if c.Capacity == 0 {
		c.Capacity = 1024
	}
}

func (c *Queue) validate() []error {
	if c.Capacity < 1 {
		return []error{fmt.Errorf("queue.capacity: must be at least 1, got %d", c.Capacity)}
	}
	return nil
}
