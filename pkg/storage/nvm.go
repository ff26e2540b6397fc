// Package storage хранит образ NVRAM памяти неисправностей в bbolt.
// Ядро только помечает блоки; запись выполняется при вызове Flush.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

const blocksBucket = "nvm_blocks"

// BlockSource отдает текущее содержимое блока для записи.
type BlockSource interface {
	ReadBlock(id BlockID) ([]byte, bool)
}

// NvM - хранилище блоков NVRAM.
type NvM struct {
	db *bolt.DB

	mu     sync.Mutex
	states map[BlockID]BlockState
}

// Open открывает (или создаёт) базу блоков и гарантирует наличие bucket'а.
func Open(path string) (*NvM, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть NvM %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(blocksBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать bucket NvM: %w", err)
	}
	return &NvM{db: db, states: make(map[BlockID]BlockState)}, nil
}

// OpenReadOnly открывает базу только для чтения (для инспекции образа).
func OpenReadOnly(path string) (*NvM, error) {
	db, err := bolt.Open(path, 0o400, &bolt.Options{Timeout: 1 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть NvM %s: %w", path, err)
	}
	return &NvM{db: db, states: make(map[BlockID]BlockState)}, nil
}

// Close закрывает базу.
func (n *NvM) Close() error {
	return n.db.Close()
}

// SetBlockState помечает блок. Более срочное состояние не понижается,
// блок, выделенный заново после очистки, записывается немедленно.
func (n *NvM) SetBlockState(id BlockID, state BlockState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cur := n.states[id]
	switch {
	case state == BlockClean:
		delete(n.states, id)
	case state == BlockDirtyClearedImmediate:
		n.states[id] = state
	case cur == BlockDirtyClearedImmediate:
		n.states[id] = BlockDirtyImmediate
	case state > cur:
		n.states[id] = state
	}
}

// State возвращает текущую пометку блока.
func (n *NvM) State(id BlockID) BlockState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.states[id]
}

// Pending возвращает число помеченных блоков.
func (n *NvM) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.states)
}

// Flush записывает помеченные блоки одной транзакцией. При immediateOnly
// записываются только блоки с немедленной записью. Возвращает число блоков.
func (n *NvM) Flush(ctx context.Context, src BlockSource, immediateOnly bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n.mu.Lock()
	batch := make(map[BlockID]BlockState, len(n.states))
	for id, st := range n.states {
		if immediateOnly && st == BlockDirty {
			continue
		}
		batch[id] = st
		delete(n.states, id)
	}
	n.mu.Unlock()
	if len(batch) == 0 {
		return 0, nil
	}

	err := n.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(blocksBucket))
		for id, st := range batch {
			data, ok := src.ReadBlock(id)
			if st == BlockDirtyClearedImmediate || !ok {
				if err := b.Delete([]byte(id)); err != nil {
					return err
				}
				continue
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// блоки остаются помеченными до следующей попытки
		n.mu.Lock()
		for id, st := range batch {
			if cur, ok := n.states[id]; !ok || st > cur {
				n.states[id] = st
			}
		}
		n.mu.Unlock()
		return 0, fmt.Errorf("ошибка записи блоков NvM: %w", err)
	}
	log.Debug().Int("blocks", len(batch)).Bool("immediate", immediateOnly).Msg("Блоки NvM записаны")
	return len(batch), nil
}

// Load передает fn все сохраненные блоки в порядке имен.
func (n *NvM) Load(ctx context.Context, fn func(id BlockID, data []byte) error) error {
	return n.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(blocksBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(BlockID(k), append([]byte(nil), v...))
		})
	})
}

// BlockInfo - описание сохраненного блока.
type BlockInfo struct {
	ID   BlockID
	Size int
}

// Blocks возвращает список сохраненных блоков.
func (n *NvM) Blocks(ctx context.Context) ([]BlockInfo, error) {
	var out []BlockInfo
	err := n.Load(ctx, func(id BlockID, data []byte) error {
		out = append(out, BlockInfo{ID: id, Size: len(data)})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// ClearAll удаляет все блоки (например, при смене конфигурации).
func (n *NvM) ClearAll() error {
	n.mu.Lock()
	n.states = make(map[BlockID]BlockState)
	n.mu.Unlock()
	return n.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(blocksBucket)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket([]byte(blocksBucket))
		return err
	})
}
