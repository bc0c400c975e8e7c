package audit

/*
Файл log.go реализует журнал аудита — append-only запись каждого решения
шлюза и каждого админ-действия.

Ключевые гарантии:
- Sequence строго монотонный и без дырок: номер выдается и запись
  персистится под одной точкой упорядочивания. Критическая секция
  минимальна — сериализация и шифрование выполняются до входа в нее.
- Append синхронный: решение не считается финальным, пока его запись
  не подтверждена хранилищем. Сбой хранилища валит весь вызов —
  неаудируемый allow не выдается никогда.
- Шифрование at-rest — подключаемый кодек на границе персистентности.
  Контракт нумерации от кодека не зависит.
*/

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
)

// Record — персистентная форма записи. Метаданные открыты (по ним работают
// фильтры Tail на стороне хранилища), Detail — кодированный кодеком blob.
type Record struct {
	Sequence  uint64
	Timestamp time.Time
	Actor     string
	Action    string
	Outcome   string
	Detail    []byte
}

// Filter — критерии выборки Tail/Export. Нулевые значения не фильтруют.
type Filter struct {
	Actor  string
	Action string
	From   time.Time
	To     time.Time
}

// Store определяет, куда физически сохраняются записи.
// Подтвержденная запись обязана пережить рестарт процесса.
type Store interface {
	Append(ctx context.Context, rec Record) error
	// Tail возвращает последние n записей под фильтром, новые первыми.
	Tail(ctx context.Context, n int, f Filter) ([]Record, error)
	// LastSequence нужен для восстановления нумерации при старте.
	LastSequence(ctx context.Context) (uint64, error)
}

type Log struct {
	mu     sync.Mutex // Единственная точка упорядочивания append-а
	seq    uint64
	store  Store
	codec  Codec
	logger *zap.Logger
}

// NewLog поднимает журнал, продолжая нумерацию с последней выданной.
func NewLog(ctx context.Context, store Store, codec Codec, logger *zap.Logger) (*Log, error) {
	if codec == nil {
		codec = PlainCodec{}
	}
	last, err := store.LastSequence(ctx)
	if err != nil {
		return nil, &domain.StorageError{Op: "audit.init", Err: err}
	}
	return &Log{
		seq:    last,
		store:  store,
		codec:  codec,
		logger: logger.Named("audit"),
	}, nil
}

// Append присваивает следующий номер и синхронно персистит запись.
// При ошибке хранилища номер не расходуется — дырок у читателей не бывает.
func (l *Log) Append(ctx context.Context, e domain.AuditEntry) (uint64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	// Дорогая часть — вне критической секции
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return 0, fmt.Errorf("audit: marshal detail: %w", err)
	}
	blob, err := l.codec.Encode(detail)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		Sequence:  l.seq + 1,
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Action:    e.Action,
		Outcome:   e.Outcome,
		Detail:    blob,
	}
	if err := l.store.Append(ctx, rec); err != nil {
		l.logger.Error("audit append failed", zap.Uint64("seq", rec.Sequence), zap.Error(err))
		return 0, &domain.StorageError{Op: "audit.append", Err: err}
	}

	l.seq = rec.Sequence
	return rec.Sequence, nil
}

// Sequence возвращает high-water mark журнала.
func (l *Log) Sequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Tail читает последние n записей под фильтром, ничего не мутируя.
// При включенном шифровании неверный ключ — отказ чтения (fail-closed),
// а не тихая выдача шифротекста.
func (l *Log) Tail(ctx context.Context, n int, f Filter) ([]domain.AuditEntry, error) {
	recs, err := l.store.Tail(ctx, n, f)
	if err != nil {
		return nil, &domain.StorageError{Op: "audit.tail", Err: err}
	}

	out := make([]domain.AuditEntry, 0, len(recs))
	for _, rec := range recs {
		plain, err := l.codec.Decode(rec.Detail)
		if err != nil {
			return nil, err
		}
		var detail map[string]interface{}
		if len(plain) > 0 {
			if err := json.Unmarshal(plain, &detail); err != nil {
				return nil, fmt.Errorf("audit: corrupt detail at seq %d: %w", rec.Sequence, err)
			}
		}
		out = append(out, domain.AuditEntry{
			Sequence:  rec.Sequence,
			Timestamp: rec.Timestamp,
			Actor:     rec.Actor,
			Action:    rec.Action,
			Outcome:   rec.Outcome,
			Detail:    detail,
		})
	}
	return out, nil
}

// ExportCSV выгружает отфильтрованный диапазон в плоскую табличную форму.
func (l *Log) ExportCSV(ctx context.Context, w io.Writer, n int, f Filter) error {
	entries, err := l.Tail(ctx, n, f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"sequence", "timestamp", "actor", "action", "outcome", "detail"}); err != nil {
		return err
	}
	for _, e := range entries {
		detail := ""
		if e.Detail != nil {
			b, _ := json.Marshal(e.Detail)
			detail = string(b)
		}
		row := []string{
			strconv.FormatUint(e.Sequence, 10),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.Actor,
			e.Action,
			e.Outcome,
			detail,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
