package registry

/*
Файл registry.go реализует Capability Registry — read-mostly справочник
манифестов инструментов. Данный слой отделяет долговременное хранение
манифестов (YAML-файл) от их мгновенной проверки в оперативной памяти шлюза.

Перезагрузка всегда цельная: новый снапшот собирается и валидируется
полностью, и только потом атомарно подменяет старый. Битый файл не трогает
живую таблицу — читатели в полете всегда видят согласованный снапшот.
*/

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xela07ax/toolgate/internal/domain"
)

// Snapshot — экспортируемая форма реестра: манифесты в порядке загрузки.
type Snapshot struct {
	Tools []domain.CapabilityManifest `yaml:"tools" json:"tools"`
}

type Registry struct {
	snap   atomic.Value // map[string]domain.CapabilityManifest
	logger *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger.Named("registry")}
	r.snap.Store(map[string]domain.CapabilityManifest{})
	return r
}

// Lookup работает только с RAM — это Hot Path арбитража.
// Отсутствие манифеста — ErrUnknownTool, а не default-allow (Zero Trust).
func (r *Registry) Lookup(tool string) (domain.CapabilityManifest, error) {
	table := r.snap.Load().(map[string]domain.CapabilityManifest)
	m, ok := table[tool]
	if !ok {
		return domain.CapabilityManifest{}, domain.ErrUnknownTool
	}
	return m, nil
}

// Len возвращает размер текущего снапшота (для логов и дашборда).
func (r *Registry) Len() int {
	return len(r.snap.Load().(map[string]domain.CapabilityManifest))
}

// LoadFile выполняет «холодную загрузку» всего набора манифестов из файла.
// Вызывается при старте и по админ-запросу на reload.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("registry: read manifest file: %w", err)
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("registry: parse manifest file: %w", err)
	}

	return r.Import(snap)
}

// Import валидирует и атомарно подменяет снапшот целиком.
// Малформированный манифест отбрасывает ВСЮ загрузку: частичных обновлений нет.
func (r *Registry) Import(snap Snapshot) error {
	table, err := buildTable(snap)
	if err != nil {
		return err
	}

	r.snap.Store(table)
	r.logger.Info("manifest table reloaded", zap.Int("tools", len(table)))
	return nil
}

// Export снимает текущий снапшот для выгрузки/бэкапа.
// Гарантия round-trip: Import(Export()) дает идентичные результаты Lookup.
func (r *Registry) Export() Snapshot {
	table := r.snap.Load().(map[string]domain.CapabilityManifest)
	out := Snapshot{Tools: make([]domain.CapabilityManifest, 0, len(table))}
	for _, m := range table {
		out.Tools = append(out.Tools, m)
	}
	return out
}

func buildTable(snap Snapshot) (map[string]domain.CapabilityManifest, error) {
	table := make(map[string]domain.CapabilityManifest, len(snap.Tools))
	for i, m := range snap.Tools {
		if m.Tool == "" {
			return nil, fmt.Errorf("registry: manifest #%d has empty tool name", i)
		}
		if !m.RiskLevel.Valid() {
			return nil, fmt.Errorf("registry: manifest %q has invalid risk level %q", m.Tool, m.RiskLevel)
		}
		if _, dup := table[m.Tool]; dup {
			return nil, fmt.Errorf("registry: duplicate manifest for tool %q", m.Tool)
		}
		table[m.Tool] = m
	}
	return table, nil
}
