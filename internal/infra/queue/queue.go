package queue

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"x-monitor/internal/domain"
)

// New выбирает драйвер очереди: AMQP при заданном rabbitURL, иначе Redis.
func New(rabbitURL string, redisClient *redis.Client, key string) (domain.GenerationQueue, error) {
	if rabbitURL != "" {
		return NewRabbitGenerationQueue(rabbitURL, key)
	}
	if redisClient == nil {
		return nil, errors.New("очередь не сконфигурирована: нет ни RABBITMQ_URL, ни REDIS_ADDR")
	}
	return NewRedisGenerationQueue(redisClient, key), nil
}
