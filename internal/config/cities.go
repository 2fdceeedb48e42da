package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tkanos/gonfig"

	"github.com/couchcryptid/energy-weather-etl/internal/domain"
)

var validate = validator.New()

// citiesFile is the on-disk shape of CITIES_FILE. JSON and YAML share the
// json field tags of domain.CityKey.
type citiesFile struct {
	Cities []domain.CityKey `json:"cities"`
}

// LoadCities reads and validates the tracked cities. Names must be unique.
func LoadCities(path string) ([]domain.CityKey, error) {
	var f citiesFile
	if err := gonfig.GetConf(path, &f); err != nil {
		return nil, fmt.Errorf("read CITIES_FILE %s: %w", path, err)
	}
	if len(f.Cities) == 0 {
		return nil, fmt.Errorf("CITIES_FILE %s lists no cities", path)
	}

	seen := make(map[string]bool, len(f.Cities))
	for i, c := range f.Cities {
		if err := validate.Struct(c); err != nil {
			return nil, fmt.Errorf("CITIES_FILE entry %d (%s): %w", i, c.Name, describe(err))
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("CITIES_FILE: duplicate city %q", c.Name)
		}
		seen[c.Name] = true
	}
	return f.Cities, nil
}

// describe flattens validator field errors into "Field: tag" pairs.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		parts[i] = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
	return errors.New(strings.Join(parts, "; "))
}

// Range resolves the run's date range: DATE_START/DATE_END when set,
// otherwise the last LookbackDays days ending today.
func (c *Config) Range() (domain.DateRange, error) {
	if c.DateStart == "" {
		return domain.LastNDays(c.LookbackDays), nil
	}
	dr, err := domain.NewDateRange(c.DateStart, c.DateEnd)
	if err != nil {
		return domain.DateRange{}, fmt.Errorf("DATE_START/DATE_END: %w", err)
	}
	return dr, nil
}
