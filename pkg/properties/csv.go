package properties

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"grainmesh/internal/models"
)

// Columns is the header of the properties table.
var Columns = []string{"id", "area", "equivalent_diameter", "major_axis_length", "minor_axis_length", "aspect_ratio"}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteCSV writes the header and one line per row in the order given. Ids
// are zero padded to width digits; undefined aspect ratios are written as NaN.
func WriteCSV(w io.Writer, rows []models.PropertyRow, width int) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return errors.Wrap(err, "write csv header")
	}
	for _, r := range rows {
		rec := []string{
			fmt.Sprintf("%0*d", width, r.ID),
			formatFloat(r.Area),
			formatFloat(r.EquivalentDiameter),
			formatFloat(r.MajorAxisLength),
			formatFloat(r.MinorAxisLength),
			formatFloat(r.AspectRatio),
		}
		if err := cw.Write(rec); err != nil {
			return errors.Wrapf(err, "write csv row %d", r.ID)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush csv")
}

// EncodeCSV renders the table in memory.
func EncodeCSV(rows []models.PropertyRow, width int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows, width); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadCSV parses a table written by WriteCSV.
func ReadCSV(r io.Reader) ([]models.PropertyRow, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "read csv")
	}
	if len(records) == 0 {
		return nil, errors.New("properties table is empty")
	}
	for i, c := range Columns {
		if i >= len(records[0]) || records[0][i] != c {
			return nil, errors.Errorf("unexpected header %v", records[0])
		}
	}
	rows := make([]models.PropertyRow, 0, len(records)-1)
	for line, rec := range records[1:] {
		id, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: id", line+2)
		}
		var vals [5]float64
		for i := range vals {
			if vals[i], err = strconv.ParseFloat(rec[i+1], 64); err != nil {
				return nil, errors.Wrapf(err, "line %d: %s", line+2, Columns[i+1])
			}
		}
		rows = append(rows, models.PropertyRow{
			ID:                 id,
			Area:               vals[0],
			EquivalentDiameter: vals[1],
			MajorAxisLength:    vals[2],
			MinorAxisLength:    vals[3],
			AspectRatio:        vals[4],
		})
	}
	return rows, nil
}
