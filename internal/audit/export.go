package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"time"
)

var csvHeader = []string{"occurred_at", "actor_id", "action", "entity", "entity_id", "meta"}

// WriteCSV renders entries as CSV with a header row.
func WriteCSV(rows []Entry) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range rows {
		meta := ""
		if len(e.Meta) > 0 {
			raw, err := json.Marshal(e.Meta)
			if err != nil {
				return nil, err
			}
			meta = string(raw)
		}
		record := []string{
			e.At.UTC().Format(time.RFC3339),
			strconv.FormatInt(e.ActorID, 10),
			e.Action,
			e.Entity,
			e.EntityID,
			meta,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
