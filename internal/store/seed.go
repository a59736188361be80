package store

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v3"

	"busfleet/internal/model"
)

// Seed is fleet reference data loaded into the in-memory store for local runs.
type Seed struct {
	Buses     []seedBus      `yaml:"buses"`
	Routes    []seedRoute    `yaml:"routes"`
	Children  []seedChild    `yaml:"children"`
	Schedules []seedSchedule `yaml:"schedules"`
}

type seedBus struct {
	ID        string `yaml:"id"`
	CompanyID string `yaml:"companyId"`
	Plate     string `yaml:"plate"`
	Capacity  int    `yaml:"capacity"`
	DriverID  string `yaml:"driverId"`
}

type seedRoute struct {
	ID        string `yaml:"id"`
	CompanyID string `yaml:"companyId"`
	SchoolID  string `yaml:"schoolId"`
	Name      string `yaml:"name"`
	Stops     []struct {
		ID    string  `yaml:"id"`
		Name  string  `yaml:"name"`
		Lat   float64 `yaml:"lat"`
		Lng   float64 `yaml:"lng"`
		Order int     `yaml:"order"`
	} `yaml:"stops"`
}

type seedChild struct {
	ID        string   `yaml:"id"`
	CompanyID string   `yaml:"companyId"`
	SchoolID  string   `yaml:"schoolId"`
	ParentID  string   `yaml:"parentId"`
	Name      string   `yaml:"name"`
	Lat       *float64 `yaml:"lat"`
	Lng       *float64 `yaml:"lng"`
}

type seedSchedule struct {
	ID                 string   `yaml:"id"`
	CompanyID          string   `yaml:"companyId"`
	RouteID            string   `yaml:"routeId"`
	BusID              string   `yaml:"busId"`
	DriverID           string   `yaml:"driverId"`
	ScheduledTime      string   `yaml:"scheduledTime"`
	RecurringDays      []string `yaml:"recurringDays"`
	EffectiveFrom      string   `yaml:"effectiveFrom"`
	EffectiveUntil     string   `yaml:"effectiveUntil"`
	Status             string   `yaml:"status"`
	AutoAssignChildren bool     `yaml:"autoAssignChildren"`
}

// LoadSeedFile parses a YAML seed file.
func LoadSeedFile(path string) (Seed, error) {
	var s Seed
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return s, nil
}

// Apply loads the seed into m. Dates are interpreted in loc.
func (s Seed) Apply(m *Memory, loc *time.Location) error {
	for _, b := range s.Buses {
		m.PutBus(model.Bus{ID: b.ID, CompanyID: b.CompanyID, Plate: b.Plate, Capacity: b.Capacity, DriverID: b.DriverID})
	}
	for _, r := range s.Routes {
		rt := model.Route{ID: r.ID, CompanyID: r.CompanyID, SchoolID: r.SchoolID, Name: r.Name}
		for _, st := range r.Stops {
			rt.Stops = append(rt.Stops, model.Stop{ID: st.ID, RouteID: r.ID, Name: st.Name, Lat: st.Lat, Lng: st.Lng, Order: st.Order})
		}
		m.PutRoute(rt)
	}
	for _, c := range s.Children {
		ch := model.Child{ID: c.ID, CompanyID: c.CompanyID, SchoolID: c.SchoolID, ParentID: c.ParentID, Name: c.Name}
		if c.Lat != nil && c.Lng != nil {
			ch.Pickup = &model.GeoPoint{Lat: *c.Lat, Lng: *c.Lng}
		}
		m.PutChild(ch)
	}
	for _, sc := range s.Schedules {
		sr := model.ScheduledRoute{
			ID:                 sc.ID,
			CompanyID:          sc.CompanyID,
			RouteID:            sc.RouteID,
			BusID:              sc.BusID,
			DriverID:           sc.DriverID,
			ScheduledTime:      sc.ScheduledTime,
			Status:             model.ScheduleActive,
			AutoAssignChildren: sc.AutoAssignChildren,
		}
		if sc.Status != "" {
			sr.Status = model.ScheduleStatus(sc.Status)
		}
		for _, d := range sc.RecurringDays {
			wd, ok := model.ParseWeekday(d)
			if !ok {
				return fmt.Errorf("schedule %s: unknown weekday %q", sc.ID, d)
			}
			sr.RecurringDays = append(sr.RecurringDays, wd)
		}
		var err error
		if sr.EffectiveFrom, err = parseSeedDate(sc.EffectiveFrom, loc); err != nil {
			return fmt.Errorf("schedule %s: %w", sc.ID, err)
		}
		if sr.EffectiveUntil, err = parseSeedDate(sc.EffectiveUntil, loc); err != nil {
			return fmt.Errorf("schedule %s: %w", sc.ID, err)
		}
		m.PutSchedule(sr)
	}
	return nil
}

func parseSeedDate(v string, loc *time.Location) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
