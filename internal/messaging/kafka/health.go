package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

const defaultCheckTimeout = 2 * time.Second

// CheckBrokers проверяет, что хотя бы один брокер из списка принимает соединения.
func CheckBrokers(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	timeout := defaultCheckTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	config := sarama.NewConfig()
	config.Net.DialTimeout = timeout

	var errs []error
	for _, addr := range brokers {
		broker := sarama.NewBroker(addr)
		if err := broker.Open(config); err != nil {
			errs = append(errs, fmt.Errorf("open broker %s: %w", addr, err))
			continue
		}
		connected, err := broker.Connected()
		_ = broker.Close()
		if err == nil && connected {
			return nil
		}
		if err == nil {
			err = errors.New("not connected")
		}
		errs = append(errs, fmt.Errorf("broker %s: %w", addr, err))
	}
	return errors.Join(errs...)
}
