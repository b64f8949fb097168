package energy

import (
	"fmt"
	"strings"
)

// Source identifies the generation type behind a unit of energy. It doubles as
// the commodity key for order books.
type Source int

const (
	Any Source = iota
	Solar
	Wind
	Hydro
	Geothermal
	Battery
	Grid
)

// Sources lists every concrete source, excluding Any.
var Sources = []Source{Solar, Wind, Hydro, Geothermal, Battery, Grid}

func (s Source) String() string {
	switch s {
	case Any:
		return "any"
	case Solar:
		return "solar"
	case Wind:
		return "wind"
	case Hydro:
		return "hydro"
	case Geothermal:
		return "geothermal"
	case Battery:
		return "battery"
	case Grid:
		return "grid"
	default:
		panic(fmt.Sprintf("energy: unknown source %d", int(s)))
	}
}

// Valid reports whether s is one of the declared sources.
func (s Source) Valid() bool {
	return s >= Any && s <= Grid
}

// Renewable reports whether the source counts as renewable generation.
func (s Source) Renewable() bool {
	switch s {
	case Solar, Wind, Hydro, Geothermal:
		return true
	case Any, Battery, Grid:
		return false
	default:
		panic(fmt.Sprintf("energy: unknown source %d", int(s)))
	}
}

// Accepts reports whether a buyer asking for s can take energy from other.
func (s Source) Accepts(other Source) bool {
	return s == Any || s == other
}

// ParseSource maps a name such as "solar" to its Source.
func ParseSource(name string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "any", "":
		return Any, nil
	case "solar":
		return Solar, nil
	case "wind":
		return Wind, nil
	case "hydro":
		return Hydro, nil
	case "geothermal":
		return Geothermal, nil
	case "battery":
		return Battery, nil
	case "grid":
		return Grid, nil
	}
	return Any, fmt.Errorf("unknown energy source %q", name)
}

func (s Source) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown energy source %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Source) UnmarshalText(text []byte) error {
	parsed, err := ParseSource(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
