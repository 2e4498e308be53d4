package consensus

import (
	"encoding/csv"
	"io"
	"strconv"
)

const lastOKLayout = "2006-01-02 15:04:05.999999"

// WriteFullCSV writes domain,rank,last_ok with a header row. Absent values are
// empty fields.
func WriteFullCSV(w io.Writer, s *Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"domain", "rank", "last_ok"}); err != nil {
		return err
	}

	record := make([]string, 3)
	if s != nil {
		for _, e := range s.Entries {
			record[0] = e.Domain
			record[1] = ""
			record[2] = ""
			if e.Rank != nil {
				record[1] = strconv.Itoa(*e.Rank)
			}
			if e.LastOK != nil {
				record[2] = e.LastOK.UTC().Format(lastOKLayout)
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteDomainsCSV writes one domain per line without a header.
func WriteDomainsCSV(w io.Writer, s *Snapshot) error {
	cw := csv.NewWriter(w)
	record := make([]string, 1)
	if s != nil {
		for _, e := range s.Entries {
			record[0] = e.Domain
			if err := cw.Write(record); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
