package pipeline

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/moebius/tradewatch/internal/domain"
	"github.com/moebius/tradewatch/pkg/syncgroup"
)

// Message 一条待处理的成交，Ack 在处理结束后调用
type Message struct {
	Trade domain.TradeEvent
	Ack   func()
}

func (m Message) ack() {
	if m.Ack != nil {
		m.Ack()
	}
}

// Source 成交事件来源；ctx 取消后应关闭返回的 channel
type Source interface {
	Messages(ctx context.Context) <-chan Message
}

// Processor 单笔处理
type Processor interface {
	Process(ctx context.Context, trade domain.TradeEvent) error
}

// ConsumerOptions 消费者参数
type ConsumerOptions struct {
	Workers        int
	QueueSize      int           // 每个 worker 的队列长度
	ProcessTimeout time.Duration // 单笔处理超时
}

// Consumer 按交易对分区的并发消费者，同一交易对的成交由同一个 worker 顺序处理
type Consumer struct {
	processor Processor
	opts      ConsumerOptions
}

func NewConsumer(processor Processor, opts ConsumerOptions) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 15 * time.Second
	}
	return &Consumer{processor: processor, opts: opts}
}

func partition(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Run 阻塞直到 source 关闭或 ctx 取消；已入队的消息会处理完再返回
func (c *Consumer) Run(ctx context.Context, source Source) {
	queues := make([]chan Message, c.opts.Workers)
	group := syncgroup.NewSyncGroup()
	for i := range queues {
		q := make(chan Message, c.opts.QueueSize)
		queues[i] = q
		group.Add(func() { c.work(ctx, q) })
	}
	group.Run()
	pipeLog.Infof("消费者已启动 workers=%d", c.opts.Workers)

	in := source.Messages(ctx)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-in:
			if !ok {
				break loop
			}
			// worker 在队列关闭前一直消费，这里不会永久阻塞
			queues[partition(msg.Trade.Key(), len(queues))] <- msg
		}
	}

	for _, q := range queues {
		close(q)
	}
	group.Wait()
	pipeLog.Info("消费者已停止")
}

func (c *Consumer) work(ctx context.Context, q <-chan Message) {
	// 取消后仍要处理完已入队的消息
	base := context.WithoutCancel(ctx)
	for msg := range q {
		c.handle(base, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProcessTimeout)
	defer cancel()
	defer msg.ack()

	defer func() {
		if r := recover(); r != nil {
			pipeLog.Errorf("[%s] 处理成交 panic: %v", msg.Trade.Key(), r)
		}
	}()

	if err := c.processor.Process(ctx, msg.Trade); err != nil {
		// 契约错误：记录后确认，避免坏消息卡住分区
		pipeLog.WithField("trade", msg.Trade).Errorf("丢弃不合法成交: %v", err)
	}
}
