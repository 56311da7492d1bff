package guard

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type staticFile struct {
	Symbols map[string]struct {
		MaxAlw float64 `yaml:"maxalw"`
		AvgADV float64 `yaml:"avg_adv"`
	} `yaml:"symbols"`
}

// LoadStaticTable reads per-symbol reference data from a yaml file. Symbols
// absent from the file simply have no static data; the evaluator degrades to
// its blocking default for those.
func LoadStaticTable(path string) (StaticTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read static data: %w", err)
	}
	var f staticFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse static data: %w", err)
	}
	table := StaticTable{}
	for sym, row := range f.Symbols {
		if row.MaxAlw < 0 || row.AvgADV < 0 {
			return nil, fmt.Errorf("static data for %s has negative values", sym)
		}
		table[sym] = StaticData{MaxAlw: row.MaxAlw, AvgADV: row.AvgADV}
	}
	return table, nil
}
