package framework

import (
	"context"
	"sync"
)

// Queue is an unbounded message queue. Messages are posted from any
// goroutine and delivered to Handler in order from the goroutine running
// the Queue, so a handler is free to block or post more messages.
type Queue struct {
	Handler MessageHandler

	messages messageList
	size     int
	lock     sync.Mutex
	wakeUpCh chan struct{}
	initOnce sync.Once
}

type messageList struct {
	head *messageItem
	tail *messageItem
}

type messageItem struct {
	msg  Message
	next *messageItem
}

func (l *messageList) append(item *messageItem) {
	if l.head == nil {
		l.head = item
	} else {
		l.tail.next = item
	}
	l.tail = item
}

func (l *messageList) splice(src *messageList) {
	l.head, l.tail, src.head, src.tail = src.head, src.tail, nil, nil
}

// NewQueue creates a Queue.
func NewQueue(handler MessageHandler) *Queue {
	return &Queue{Handler: handler}
}

func (q *Queue) init() {
	q.initOnce.Do(func() {
		q.wakeUpCh = make(chan struct{}, 1)
	})
}

// Post enqueues the message.
func (q *Queue) Post(msg Message) {
	q.init()
	q.lock.Lock()
	q.messages.append(&messageItem{msg: msg})
	q.size++
	q.lock.Unlock()
	select {
	case q.wakeUpCh <- struct{}{}:
	default:
	}
}

// Len returns the number of messages not delivered yet.
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

// Run implements Runnable.
func (q *Queue) Run(ctx context.Context) error {
	q.init()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wakeUpCh:
			q.deliver(ctx)
		}
	}
}

func (q *Queue) deliver(ctx context.Context) {
	var msgs messageList
	q.lock.Lock()
	msgs.splice(&q.messages)
	q.lock.Unlock()
	for item := msgs.head; item != nil; item = item.next {
		if ctx.Err() != nil {
			q.drop(item)
			return
		}
		q.Handler.HandleMessage(ctx, item.msg)
		q.lock.Lock()
		q.size--
		q.lock.Unlock()
	}
}

// drop discards the messages from item on, which are never delivered.
func (q *Queue) drop(item *messageItem) {
	n := 0
	for ; item != nil; item = item.next {
		n++
	}
	q.lock.Lock()
	q.size -= n
	q.lock.Unlock()
}
