package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/serebryakov7/j1708-dem/common"
)

const (
	DefaultUpdateInterval = 10 * time.Second
	DefaultBroker         = "tcp://localhost:1883"
	DefaultClientID       = "vehicle-data-collector"
	DefaultTopic          = "vehicle/data"
	DefaultConnectRetries = 5
)

// MQTTConfig содержит настройки для MQTT клиента
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Topic          string
	DTCTopic       string // Топик для изменений статуса DTC
	CommandTopic   string // Топик для получения команд
	AckTopic       string // Топик для подтверждений команд
	UpdateInterval time.Duration
	ConnectRetries uint
}

// CommandHandler выполняет команду сервера и возвращает текст результата.
type CommandHandler func(cmd common.ServerCommand) (string, error)

// MQTTClient представляет MQTT клиент для отправки данных и получения команд
type MQTTClient struct {
	config         MQTTConfig
	client         mqtt.Client
	stopChan       chan struct{}
	dataSource     func() json.Marshaler
	commandHandler CommandHandler
}

// NewClient создает новый MQTT клиент. dataSource и cmdHandler могут быть nil.
func NewClient(config MQTTConfig, dataSource func() json.Marshaler, cmdHandler CommandHandler) *MQTTClient {
	if config.ConnectRetries == 0 {
		config.ConnectRetries = DefaultConnectRetries
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = DefaultUpdateInterval
	}
	return &MQTTClient{
		config:         config,
		stopChan:       make(chan struct{}),
		dataSource:     dataSource,
		commandHandler: cmdHandler,
	}
}

// Connect устанавливает соединение с MQTT брокером, повторяя попытки
// до ConnectRetries раз или до отмены ctx.
func (c *MQTTClient) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", c.config.Broker).Msg("Подключено к MQTT брокеру")
		// Подписываемся на топик команд после каждого подключения
		c.subscribeToCommands()
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("Соединение с MQTT брокером потеряно")
	})

	c.client = mqtt.NewClient(opts)
	return retry.Do(func() error {
		token := c.client.Connect()
		if token.Wait() && token.Error() != nil {
			return token.Error()
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(c.config.ConnectRetries),
		retry.Delay(time.Second),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Msg("Повторное подключение к MQTT")
		}),
		retry.LastErrorOnly(true),
	)
}

// StartPublishing начинает периодическую отправку данных
func (c *MQTTClient) StartPublishing() {
	if c.dataSource == nil {
		return
	}
	log.Info().Str("topic", c.config.Topic).Dur("interval", c.config.UpdateInterval).Msg("Начало публикации данных в MQTT")

	go func() {
		ticker := time.NewTicker(c.config.UpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopChan:
				return
			case <-ticker.C:
				c.publishData()
			}
		}
	}()
}

// StopPublishing останавливает публикацию данных
func (c *MQTTClient) StopPublishing() {
	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}
}

// Disconnect отключается от MQTT брокера
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// publishData публикует данные в MQTT
func (c *MQTTClient) publishData() {
	vehicleData := c.dataSource()
	if vehicleData == nil {
		log.Debug().Msg("Нет данных для публикации")
		return
	}

	data, err := vehicleData.MarshalJSON()
	if err != nil {
		log.Error().Err(err).Msg("Ошибка сериализации данных")
		return
	}

	if err := c.publish(c.config.Topic, 0, data); err != nil {
		log.Error().Err(err).Msg("Ошибка отправки данных в MQTT")
		return
	}
	log.Debug().Int("bytes", len(data)).Msg("Данные отправлены в MQTT")
}

func (c *MQTTClient) publish(topic string, qos byte, data []byte) error {
	if c.client == nil || !c.client.IsConnected() {
		return errors.New("MQTT клиент не подключен")
	}
	token := c.client.Publish(topic, qos, false, data)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// subscribeToCommands подписывается на топик команд от сервера.
func (c *MQTTClient) subscribeToCommands() {
	commandTopic := c.config.CommandTopic
	if commandTopic == "" {
		log.Debug().Msg("Топик для команд не указан, подписка не будет выполнена")
		return
	}

	token := c.client.Subscribe(commandTopic, 1, c.handleIncomingCommand)
	go func() {
		<-token.Done()
		if token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", commandTopic).Msg("Ошибка подписки на топик команд")
		} else {
			log.Info().Str("topic", commandTopic).Msg("Подписка на топик команд выполнена")
		}
	}()
}

// handleIncomingCommand обрабатывает входящие сообщения из топика команд.
func (c *MQTTClient) handleIncomingCommand(client mqtt.Client, msg mqtt.Message) {
	log.Info().Str("topic", msg.Topic()).Bytes("payload", msg.Payload()).Msg("Получена команда")

	var cmd common.ServerCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		log.Error().Err(err).Bytes("payload", msg.Payload()).Msg("Ошибка десериализации команды")
		return
	}
	c.publishAck(c.execute(cmd))
}

// execute выполняет команду и формирует подтверждение.
func (c *MQTTClient) execute(cmd common.ServerCommand) common.CommandAck {
	ack := common.CommandAck{CommandID: cmd.ID}
	if ack.CommandID == "" {
		ack.CommandID = uuid.NewString()
	}
	if c.commandHandler == nil {
		ack.Message = "обработчик команд не настроен"
		return ack
	}
	msg, err := c.commandHandler(cmd)
	if err != nil {
		log.Error().Err(err).Str("type", string(cmd.Type)).Msg("Ошибка обработки команды")
		ack.Message = err.Error()
		return ack
	}
	ack.Success = true
	ack.Message = msg
	return ack
}

func (c *MQTTClient) publishAck(ack common.CommandAck) {
	if c.config.AckTopic == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка сериализации подтверждения")
		return
	}
	if err := c.publish(c.config.AckTopic, 1, data); err != nil {
		log.Error().Err(err).Str("command", ack.CommandID).Msg("Ошибка отправки подтверждения")
	}
}

// PublishStatusChange публикует изменение статуса DTC.
func (c *MQTTClient) PublishStatusChange(change common.DTCStatusChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("ошибка сериализации изменения DTC: %w", err)
	}

	dtcTopic := c.config.DTCTopic
	if dtcTopic == "" {
		dtcTopic = c.config.Topic + "/dtc" // Топик по умолчанию, если не задан
	}
	if err := c.publish(dtcTopic, 1, data); err != nil {
		return fmt.Errorf("ошибка отправки изменения DTC %d: %w", change.EventID, err)
	}
	log.Debug().Uint16("event", change.EventID).Str("topic", dtcTopic).Int("bytes", len(data)).Msg("Изменение DTC отправлено в MQTT")
	return nil
}

// PumpStatusChanges публикует изменения из канала до его закрытия или отмены ctx.
// Ошибки отправки не прерывают цикл: уведомление логируется и отбрасывается.
func (c *MQTTClient) PumpStatusChanges(ctx context.Context, changes <-chan common.DTCStatusChange) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if err := c.PublishStatusChange(change); err != nil {
				log.Warn().Err(err).Msg("Изменение DTC не опубликовано")
			}
		}
	}
}
