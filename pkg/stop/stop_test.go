package stop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func failing(err error) Func {
	return func() Result {
		c := make(Channel)
		go c.Done(err)
		return c.Result()
	}
}

func TestChannelResult(t *testing.T) {
	errA := errors.New("a")

	c := make(Channel)
	r := c.Result()
	go c.Done(nil, errA, nil)
	require.Equal(t, []error{errA}, r.Wait())
	require.Nil(t, r.Wait())

	c = make(Channel)
	r = c.Result()
	go c.Done()
	require.Nil(t, r.Wait())
}

func TestAlreadyStopped(t *testing.T) {
	require.Nil(t, AlreadyStopped.Wait())
}

func TestGroupCollectsErrors(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")

	g := NewGroup()
	g.AddFunc(failing(errA))
	g.AddFunc(func() Result { return AlreadyStopped })
	g.AddFunc(failing(nil))
	g.AddFunc(failing(errB))

	errs := g.Stop().Wait()
	require.ElementsMatch(t, []error{errA, errB}, errs)
}

func TestEmptyGroup(t *testing.T) {
	require.Nil(t, NewGroup().Stop().Wait())
}
