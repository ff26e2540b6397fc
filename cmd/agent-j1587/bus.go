package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tarm/serial"
)

const (
	interFrameGap = 4 * time.Millisecond
)

// Bus читает фреймы J1708 из последовательного порта и передает их FrameProcessor.
type Bus struct {
	port     *serial.Port
	fp       *FrameProcessor
	frames   chan []byte
	stopChan chan struct{}
	stopOnce sync.Once
	writeMu  sync.Mutex
}

// NewBus создает шину поверх открытого порта.
func NewBus(port *serial.Port, fp *FrameProcessor) (*Bus, error) {
	if port == nil {
		return nil, errors.New("порт не был инициализирован")
	}
	return &Bus{
		port:     port,
		fp:       fp,
		frames:   make(chan []byte, 64),
		stopChan: make(chan struct{}),
	}, nil
}

// Start запускает горутины чтения и обработки фреймов.
func (p *Bus) Start() {
	go p.readFrames()
	go p.processFrames()
	log.Info().Msg("Протокол J1587 запущен")
}

// Stop останавливает чтение. Повторный вызов ничего не делает.
func (p *Bus) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		log.Info().Msg("Протокол J1587 остановлен")
	})
}

// GetData возвращает копию текущих данных J1587.
func (p *Bus) GetData() json.Marshaler {
	return p.fp.data.Copy()
}

// SendFrame отправляет J1587 фрейм в последовательный порт
func (p *Bus) SendFrame(mid byte, pid byte, data []byte) error {
	select {
	case <-p.stopChan:
		return errors.New("протокол J1587 остановлен, отправка команды невозможна")
	default:
	}

	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, mid, pid)
	frame = append(frame, data...)
	frame = append(frame, calculateJ1587Checksum(frame))

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.port.Write(frame); err != nil {
		return fmt.Errorf("ошибка отправки J1587 команды: %w", err)
	}
	log.Debug().Uint8("mid", mid).Uint8("pid", pid).Hex("frame", frame).Msg("J1587 фрейм отправлен")

	// пауза арбитража шины J1708
	time.Sleep(50 * time.Millisecond)
	return nil
}

// RequestClear отправляет модулю targetMID команду сброса активных DTC.
func (p *Bus) RequestClear(targetMID byte) error {
	if err := p.SendFrame(targetMID, PID_COMMAND_CLEAR_DTCS, nil); err != nil {
		return fmt.Errorf("не удалось отправить команду сброса DTC J1587: %w", err)
	}
	log.Info().Uint8("mid", targetMID).Msg("Команда сброса DTC J1587 отправлена")
	return nil
}

func (p *Bus) processFrames() {
	for {
		select {
		case <-p.stopChan:
			return
		case frame := <-p.frames:
			log.Trace().Hex("frame", frame).Msg("J1587 FRAME")
			p.fp.ProcessFrame(frame)
		}
	}
}

func (p *Bus) emit(frame []byte) bool {
	select {
	case p.frames <- frame:
		return true
	case <-p.stopChan:
		return false
	}
}

// readFrames собирает фреймы по межкадровой паузе.
func (p *Bus) readFrames() {
	buf := make([]byte, 128)
	var frame []byte
	last := time.Now()

	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		n, err := p.port.Read(buf)
		now := time.Now()
		if err != nil && err != io.EOF {
			log.Error().Err(err).Msg("Ошибка чтения порта")
			time.Sleep(100 * time.Millisecond)
		}

		if n == 0 {
			// таймаут чтения
			if len(frame) > 0 && now.Sub(last) >= interFrameGap {
				if !p.emit(frame) {
					return
				}
				frame = nil
			}
			continue
		}

		for i := 0; i < n; i++ {
			if now.Sub(last) >= interFrameGap && len(frame) > 0 {
				if !p.emit(frame) {
					return
				}
				frame = nil
			}
			frame = append(frame, buf[i])
			last = now
		}
	}
}
