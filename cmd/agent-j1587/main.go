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
	"github.com/tarm/serial"
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
	defaultPortName         = "/dev/ttyUSB0"
	defaultBaudRate         = 9600
	defaultMqttBroker       = "tcp://localhost:1883"
	defaultMqttTopic        = "vehicle/data/j1587"
	defaultMqttDTCTopic     = "vehicle/dtc/j1587"
	defaultMqttCommandTopic = "vehicle/command/j1587"
	defaultMqttAckTopic     = "vehicle/ack/j1587"
	defaultUpdateInterval   = 10 * time.Second
	defaultMainInterval     = time.Second
	defaultTargetMID        = 128
	defaultDbPath           = "j1587_dem.db"
	defaultConfigPath       = "dem.yaml"
)

var (
	portName         = flag.String("port", defaultPortName, "Последовательный порт для чтения данных")
	baudRate         = flag.Int("baud", defaultBaudRate, "Скорость передачи данных в бодах")
	mqttBroker       = flag.String("broker", defaultMqttBroker, "MQTT брокер")
	mqttTopic        = flag.String("topic", defaultMqttTopic, "MQTT топик для основных данных")
	mqttDTCTopic     = flag.String("dtc_topic", defaultMqttDTCTopic, "MQTT топик для изменений статуса DTC")
	mqttCommandTopic = flag.String("command_topic", defaultMqttCommandTopic, "MQTT топик для команд")
	mqttAckTopic     = flag.String("ack_topic", defaultMqttAckTopic, "MQTT топик подтверждений команд")
	updateInterval   = flag.Duration("interval", defaultUpdateInterval, "Интервал обновления MQTT")
	mainInterval     = flag.Duration("main_interval", defaultMainInterval, "Период главной функции DEM")
	targetMID        = flag.Uint("target_mid", defaultTargetMID, "MID модуля по умолчанию для сброса DTC")
	dbPath           = flag.String("dbpath", defaultDbPath, "Путь к bbolt базе образа памяти неисправностей")
	configPath       = flag.String("config", defaultConfigPath, "Путь к YAML конфигурации DEM")
	logLevel         = flag.String("log-level", "info", "Уровень логирования")
	logFile          = flag.String("log-file", "", "Файл лога (дополнительно к консоли)")
)

func main() {
	flag.Parse()
	observability.InitLogger(*logLevel, *logFile)
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Агент J1587 завершился с ошибкой")
	}
	log.Info().Msg("Агент J1587 завершил работу")
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

	port, err := serial.OpenPort(&serial.Config{
		Name:        *portName,
		Baud:        *baudRate,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("ошибка открытия порта %s: %w", *portName, err)
	}
	defer port.Close()

	data := NewJ1587Data()
	manager := dem.New(cfg, dem.Options{NvM: nv, Collector: data})
	if err := manager.Restore(ctx); err != nil {
		return err
	}

	bus, err := NewBus(port, NewFrameProcessor(data, cfg, manager))
	if err != nil {
		return fmt.Errorf("ошибка инициализации шины J1587: %w", err)
	}

	mqttClient := mqtt.NewClient(mqtt.MQTTConfig{
		Broker:         *mqttBroker,
		ClientID:       "vehicle-data-j1587",
		Topic:          *mqttTopic,
		DTCTopic:       *mqttDTCTopic,
		CommandTopic:   *mqttCommandTopic,
		AckTopic:       *mqttAckTopic,
		UpdateInterval: *updateInterval,
	}, func() json.Marshaler {
		return bus.GetData()
	}, func(cmd common.ServerCommand) (string, error) {
		return handleCommand(manager, bus, cmd)
	})
	if err := mqttClient.Connect(ctx); err != nil {
		return fmt.Errorf("ошибка подключения к MQTT: %w", err)
	}

	manager.OperationCycleStart()
	bus.Start()
	mqttClient.StartPublishing()
	log.Info().Str("port", *portName).Int("baud", *baudRate).Msg("Агент J1587 запущен")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mqttClient.PumpStatusChanges(gctx, manager.Notifications())
	})
	g.Go(func() error {
		<-gctx.Done()
		mqttClient.StopPublishing()
		bus.Stop()
		manager.OperationCycleEnd()
		return nil
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

// handleCommand выполняет команду в DEM и дублирует сброс DTC на шину.
func handleCommand(manager *dem.Manager, bus *Bus, cmd common.ServerCommand) (string, error) {
	msg, err := manager.HandleCommand(cmd)
	if err != nil || cmd.Type != common.CommandTypeClearDTCs {
		return msg, err
	}
	mid := byte(*targetMID)
	if cmd.Params.TargetMID != nil {
		mid = *cmd.Params.TargetMID
	}
	if err := bus.RequestClear(mid); err != nil {
		log.Warn().Err(err).Uint8("mid", mid).Msg("Сброс DTC на шине не выполнен")
	}
	return msg, nil
}
