//go:build linux

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const pgnDM11 uint32 = 0xFED3 // DM11 (Diagnostic Data Clear/Reset for Active DTCs)

// J1939FrameInfo содержит информацию о кадре J1939.
type J1939FrameInfo struct {
	PGN  uint32
	SA   uint8
	Data []byte
}

// Bus читает кадры J1939 из SocketCAN и передает их FrameProcessor.
type Bus struct {
	fd               int // Сырой файловый дескриптор для сокета J1939
	data             *J1939Data
	framesCh         chan J1939FrameInfo
	stopChan         chan struct{}
	canInterfaceName string
	frameProcessor   *FrameProcessor
	localSA          uint8
	ifaceIndex       int
}

// NewBus создает J1939 SOCK_DGRAM сокет и привязывает его к интерфейсу.
func NewBus(canInterface string, fp *FrameProcessor) (*Bus, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_DGRAM, unix.CAN_J1939)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать сокет J1939: %w", err)
	}

	iface, err := net.InterfaceByName(canInterface)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("InterfaceByName %q: %w", canInterface, err)
	}

	// Name, PGN и Addr равны 0: прием всех PGN, адрес назначает ядро
	sa := &unix.SockaddrCANJ1939{
		Ifindex: iface.Index,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("не удалось привязать сокет J1939: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		log.Warn().Err(err).Msg("Не удалось разрешить широковещательную отправку J1939")
	}

	localSockAddr, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("не удалось получить имя сокета J1939: %w", err)
	}
	j1939LocalAddr, ok := localSockAddr.(*unix.SockaddrCANJ1939)
	if !ok {
		unix.Close(fd)
		return nil, fmt.Errorf("неожиданный тип адреса сокета после привязки: %T", localSockAddr)
	}
	log.Info().
		Str("iface", canInterface).
		Int("ifindex", iface.Index).
		Uint8("sa", j1939LocalAddr.Addr).
		Msg("Сокет J1939 привязан")

	return &Bus{
		fd:               fd,
		data:             fp.data,
		framesCh:         make(chan J1939FrameInfo, 100),
		stopChan:         make(chan struct{}),
		canInterfaceName: canInterface,
		frameProcessor:   fp,
		localSA:          j1939LocalAddr.Addr,
		ifaceIndex:       iface.Index,
	}, nil
}

// Start запускает горутины для чтения и обработки кадров.
func (p *Bus) Start() {
	go p.readFrames()
	go p.processFrames()
	log.Info().Str("iface", p.canInterfaceName).Msg("Протокол J1939 запущен")
}

// Stop останавливает обработку J1939 и закрывает сокет. Закрытие сокета
// прерывает блокирующий Recvfrom.
func (p *Bus) Stop() error {
	select {
	case <-p.stopChan:
		return nil
	default:
		close(p.stopChan)
	}
	if p.fd == -1 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	if err != nil {
		return fmt.Errorf("ошибка при закрытии J1939 сокета: %w", err)
	}
	log.Info().Msg("Протокол J1939 остановлен")
	return nil
}

// GetData возвращает текущие данные J1939.
func (p *Bus) GetData() json.Marshaler {
	return p.data.Copy()
}

func (p *Bus) processFrames() {
	for {
		select {
		case frame, ok := <-p.framesCh:
			if !ok {
				return
			}
			p.frameProcessor.ProcessFrame(frame.PGN, frame.SA, frame.Data)
		case <-p.stopChan:
			return
		}
	}
}

// SendCommand отправляет кадр J1939 до 8 байт.
func (p *Bus) SendCommand(pgn uint32, data []byte, destAddr uint8) error {
	if p.fd == -1 {
		return errors.New("невозможно отправить команду: сокет J1939 закрыт")
	}
	if len(data) > 8 {
		return fmt.Errorf("длина данных превышает 8 байт (%d), TP не реализован", len(data))
	}
	dest := &unix.SockaddrCANJ1939{
		Ifindex: p.ifaceIndex,
		PGN:     pgn,
		Addr:    destAddr,
	}
	if err := unix.Sendto(p.fd, data, 0, dest); err != nil {
		return fmt.Errorf("ошибка отправки J1939 команды: %w", err)
	}
	log.Debug().Uint32("pgn", pgn).Uint8("da", destAddr).Hex("data", data).Msg("Команда J1939 отправлена")
	return nil
}

// RequestClear рассылает DM11: блоки управления сбрасывают активные DTC.
func (p *Bus) RequestClear() error {
	return p.SendCommand(pgnDM11, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, 0xFF)
}

// readFrames читает кадры из сокета J1939.
func (p *Bus) readFrames() {
	buffer := make([]byte, 2048) // макс. размер TP пакета ~1785 байт
	defer close(p.framesCh)

	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		n, from, err := unix.Recvfrom(p.fd, buffer, 0)
		if err != nil {
			select {
			case <-p.stopChan:
				return
			default:
			}
			if errors.Is(err, unix.EBADF) || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("Ошибка чтения из сокета J1939")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}

		sockAddr, ok := from.(*unix.SockaddrCANJ1939)
		if !ok {
			log.Warn().Msgf("Получен кадр от неизвестного типа адреса: %T", from)
			continue
		}

		frameData := make([]byte, n)
		copy(frameData, buffer[:n])
		frameInfo := J1939FrameInfo{PGN: sockAddr.PGN, SA: sockAddr.Addr, Data: frameData}

		select {
		case p.framesCh <- frameInfo:
		case <-p.stopChan:
			return
		default:
			log.Warn().Uint32("pgn", frameInfo.PGN).Uint8("sa", frameInfo.SA).Msg("Канал кадров полон, кадр пропущен")
		}
	}
}
