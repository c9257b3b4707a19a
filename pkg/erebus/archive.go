package erebus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/argus-triage/argus/pkg/domain"
)

const (
	reportObject = "report.json"
	logsObject   = "logs.txt"
)

// Archive keeps one report and the unit's logs per run, keyed by unit name:
// <unit>/report.json and <unit>/logs.txt.
type Archive struct {
	store Store
}

func NewArchive(store Store) *Archive {
	return &Archive{store: store}
}

// Save writes the report, then the logs. Logs are skipped when empty.
func (a *Archive) Save(ctx context.Context, report domain.Report, logs string) error {
	if report.Unit == "" {
		return errors.New("report has no unit name")
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := a.store.Put(ctx, key(report.Unit, reportObject), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to archive report: %w", err)
	}

	if logs == "" {
		return nil
	}
	if err := a.store.Put(ctx, key(report.Unit, logsObject), strings.NewReader(logs)); err != nil {
		return fmt.Errorf("failed to archive logs: %w", err)
	}
	return nil
}

// Load returns the archived report of unit, ErrNotFound if there is none.
func (a *Archive) Load(ctx context.Context, unit domain.UnitName) (domain.Report, error) {
	var report domain.Report

	rc, err := a.store.Get(ctx, key(unit, reportObject))
	if err != nil {
		return report, err
	}
	defer rc.Close()

	if err := json.NewDecoder(rc).Decode(&report); err != nil {
		return report, fmt.Errorf("failed to decode report: %w", err)
	}
	return report, nil
}

// Logs returns the archived logs of unit, empty when none were kept.
func (a *Archive) Logs(ctx context.Context, unit domain.UnitName) (string, error) {
	rc, err := a.store.Get(ctx, key(unit, logsObject))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	return string(data), err
}

// Delete removes everything archived for unit. It returns ErrNotFound when
// no report exists.
func (a *Archive) Delete(ctx context.Context, unit domain.UnitName) error {
	ok, err := a.store.Exists(ctx, key(unit, reportObject))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	return errors.Join(
		a.store.Delete(ctx, key(unit, logsObject)),
		a.store.Delete(ctx, key(unit, reportObject)),
	)
}

func key(unit domain.UnitName, object string) string {
	return path.Join(string(unit), object)
}
