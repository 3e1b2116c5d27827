package mq

import (
	"fmt"
	"log"

	"clubapoints/internal/config"

	"github.com/IBM/sarama"
)

// Producer 同步 Kafka 生产者，只承载积分变动消息
//
// 下游按台账消费，消息丢失等于积分变动对外不可见，因此：
//   - acks=all，全部副本确认才算发送成功
//   - 开启幂等生产者，broker 侧去重网络重试造成的重复
type Producer struct {
	producer sarama.SyncProducer
}

func NewProducer(cfg *config.KafkaConfig) (*Producer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1 // 幂等生产者要求
	kafkaConfig.Version = sarama.V2_1_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}

	log.Println("Kafka 生产者创建成功")
	return &Producer{producer: producer}, nil
}

// Send 发送单条消息
// key 用台账ID，同一事件的消息落在同一分区，消费侧看到的顺序稳定
func (p *Producer) Send(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
