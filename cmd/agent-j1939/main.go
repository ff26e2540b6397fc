//go:build linux

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/serebryakov7/j1708-dem/common"
	"github.com/serebryakov7/j1708-dem/internal/config"
	"github.com/serebryakov7/j1708-dem/internal/dem"
	"github.com/serebryakov7/j1708-dem/internal/observability"
	"github.com/serebryakov7/j1708-dem/pkg/mqtt"
	"github.com/serebryakov7/j1708-dem/pkg/storage"
)

// Настройки по умолчанию
const (
	defaultMqttBroker     = "tcp://localhost:1883"
	defaultMqttTopic      = "vehicle/data/j1939"
	defaultMqttDTCTopic   = "vehicle/dtc/j1939"
	defaultCommandTopic   = "vehicle/cmd/j1939"
	defaultAckTopic       = "vehicle/ack/j1939"
	defaultUpdateInterval = 10 * time.Second
	defaultMainInterval   = time.Second
	defaultCanInterface   = "can0"
	defaultDbPath         = "j1939_dem.db"
	defaultConfigPath     = "dem.yaml"
)

var (
	mqttBroker     = flag.String("broker", defaultMqttBroker, "MQTT брокер")
	mqttTopic      = flag.String("topic", defaultMqttTopic, "MQTT топик для основных данных")
	mqttDTCTopic   = flag.String("dtc_topic", defaultMqttDTCTopic, "MQTT топик для изменений статуса DTC")
	commandTopic   = flag.String("cmd_topic", defaultCommandTopic, "MQTT топик команд")
	ackTopic       = flag.String("ack_topic", defaultAckTopic, "MQTT топик подтверждений команд")
	updateInterval = flag.Duration("interval", defaultUpdateInterval, "Интервал обновления MQTT")
	mainInterval   = flag.Duration("main_interval", defaultMainInterval, "Период главной функции DEM")
	canInterface   = flag.String("can-if", defaultCanInterface, "CAN interface name (e.g., can0, vcan0)")
	dbPath         = flag.String("dbpath", defaultDbPath, "Путь к bbolt базе образа памяти неисправностей")
	configPath     = flag.String("config", defaultConfigPath, "Путь к YAML конфигурации DEM")
	logLevel       = flag.String("log-level", "info", "Уровень логирования")
	logFile        = flag.String("log-file", "", "Файл лога (дополнительно к консоли)")
)

func main() {
	flag.Parse()
	observability.InitLogger(*logLevel, *logFile)
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Агент J1939 завершился с ошибкой")
	}
	log.Info().Msg("Агент J1939 завершил работу")
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	nv, err := storage.Open(*dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := nv.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия NvM")
		}
	}()

	data := NewJ1939Data()
	manager := dem.New(cfg, dem.Options{NvM: nv, Collector: data})
	if err := manager.Restore(ctx); err != nil {
		return err
	}

	bus, err := NewBus(*canInterface, NewFrameProcessor(data, cfg, manager))
	if err != nil {
		return fmt.Errorf("ошибка инициализации шины J1939: %w", err)
	}

	mqttClient := mqtt.NewClient(mqtt.MQTTConfig{
		Broker:         *mqttBroker,
		ClientID:       fmt.Sprintf("j1939-agent-%s-%d", *canInterface, time.Now().UnixNano()),
		Topic:          *mqttTopic,
		DTCTopic:       *mqttDTCTopic,
		CommandTopic:   *commandTopic,
		AckTopic:       *ackTopic,
		UpdateInterval: *updateInterval,
	}, func() json.Marshaler {
		return bus.GetData()
	}, func(cmd common.ServerCommand) (string, error) {
		msg, err := manager.HandleCommand(cmd)
		if err == nil && cmd.Type == common.CommandTypeClearDTCs {
			if err := bus.RequestClear(); err != nil {
				log.Warn().Err(err).Msg("DM11 не отправлен")
			}
		}
		return msg, err
	})
	if err := mqttClient.Connect(ctx); err != nil {
		bus.Stop()
		return fmt.Errorf("ошибка подключения к MQTT: %w", err)
	}

	manager.OperationCycleStart()
	bus.Start()
	mqttClient.StartPublishing()
	log.Info().Str("iface", *canInterface).Msg("Агент J1939 запущен")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mqttClient.PumpStatusChanges(gctx, manager.Notifications())
	})
	g.Go(func() error {
		<-gctx.Done()
		mqttClient.StopPublishing()
		err := bus.Stop()
		// цикл зажигания заканчивается вместе с агентом
		manager.OperationCycleEnd()
		return err
	})
	g.Go(func() error {
		return manager.Run(gctx, *mainInterval)
	})

	err = g.Wait()
	mqttClient.Disconnect()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := manager.Flush(flushCtx); ferr != nil && err == nil {
		err = ferr
	}
	return err
}
