package pool

import (
	"sync"
	"time"

	"github.com/kychandar/pollsub/common"
	"github.com/kychandar/pollsub/ds"
)

// GenericPool is a generic sync.Pool wrapper
type GenericPool[T any] struct {
	pool *sync.Pool
}

// NewGenericPool creates a new generic pool with a factory function
func NewGenericPool[T any](factory func() T) *GenericPool[T] {
	return &GenericPool[T]{
		pool: &sync.Pool{
			New: func() interface{} {
				return factory()
			},
		},
	}
}

// Get retrieves an object from the pool or creates a new one
func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an object to the pool
func (p *GenericPool[T]) Put(obj T) {
	p.pool.Put(obj)
}

// ObjectPool holds the pools for objects allocated per websocket frame or
// per delivered event.
type ObjectPool struct {
	ControlPlaneMsg *GenericPool[*ds.ControlPlaneMessage]
	IntermittenMsg  *GenericPool[*common.IntermittenMsg]
}

func NewObjectPool() *ObjectPool {
	return &ObjectPool{
		ControlPlaneMsg: NewGenericPool(func() *ds.ControlPlaneMessage {
			return &ds.ControlPlaneMessage{}
		}),
		IntermittenMsg: NewGenericPool(func() *common.IntermittenMsg {
			return &common.IntermittenMsg{}
		}),
	}
}

var globalPool = NewObjectPool()

func GetGlobalPool() *ObjectPool {
	return globalPool
}

func (p *ObjectPool) ResetControlPlaneMessage(msg *ds.ControlPlaneMessage) {
	*msg = ds.ControlPlaneMessage{}
	p.ControlPlaneMsg.Put(msg)
}

func (p *ObjectPool) ResetIntermittenMsg(msg *common.IntermittenMsg) {
	msg.PublishedTime = time.Time{}
	msg.Id = ""
	msg.Channel = ""
	msg.PreparedMessage = nil
	p.IntermittenMsg.Put(msg)
}
