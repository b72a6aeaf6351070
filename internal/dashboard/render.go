package dashboard

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"watchpower-monitor/internal/watchpower"
)

const clearScreen = "\033[H\033[2J"

func state(loading bool, hasData bool, errMsg string) string {
	switch {
	case errMsg != "" && hasData:
		return "stale (" + errMsg + ")"
	case errMsg != "":
		return "error (" + errMsg + ")"
	case loading:
		return "loading"
	case hasData:
		return "ok"
	default:
		return "-"
	}
}

func chargeLabel(d watchpower.Derived) string {
	switch {
	case d.Battery.IsDischarging:
		return "discharging"
	case d.Battery.IsCharging:
		return "charging"
	default:
		return "idle"
	}
}

// Render writes one frame of v.
func Render(w io.Writer, v View) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	p := func(format string, args ...any) {
		fmt.Fprintf(tw, format+"\n", args...)
	}

	fmt.Fprint(tw, clearScreen)
	p("WatchPower\t%s\t%s", orDash(v.InverterID), v.At.Format("2006-01-02 15:04:05"))
	p("")

	p("Sample\t%s", state(v.Sample.Loading, v.Sample.HasData, v.Sample.Err))
	if s := v.Sample.Data; v.Sample.HasData && s != nil && v.Derived != nil {
		d := v.Derived
		if s.InverterInfo.Alias != "" {
			p("Alias\t%s\t%s", s.InverterInfo.Alias, s.InverterInfo.Description)
		}
		p("PV\t%.0f W\tPV1 %.0f W, PV2 %.0f W", d.PVPowerW, s.Solar.PV1.Power, s.Solar.PV2.Power)
		p("Output\t%.0f W\tload %.0f %%", d.OutputPowerW, s.ACOutput.Load)
		p("Grid\t%.2f kW\t%.1f V, %.1f Hz", d.GridInputKW, s.Grid.Voltage, s.Grid.Frequency)
		p("Battery\t%s kW\t%s, SOC %.0f %%, %.1f V", d.Battery.Power, chargeLabel(*d), d.BatterySOC, s.Battery.Voltage)
		if d.PVPowerW > 0 {
			p("Efficiency\t%.1f %%", d.EfficiencyPercent)
		} else {
			p("Efficiency\tn/a\tno PV input")
		}
		p("Temperature\t%.1f °C\t%s", d.Temperature, s.Status.InverterStatus)
		p("Updated\t%s", v.Sample.UpdatedAt.Format("15:04:05"))
	}
	p("")

	p("Today\t%s", state(v.Daily.Loading, v.Daily.HasData, v.Daily.Err))
	if r := v.Report; r != nil {
		p("PV energy\t%s kWh\t%d points", r.TotalPVEnergy, len(r.Points))
		p("Load energy\t%.2f kWh\tgrid %.2f kWh", r.Savings.LoadEnergyKWh, r.Savings.GridEnergyKWh)
		p("Self supplied\t%.2f kWh\t%.1f %%", r.Savings.SelfSuppliedEnergyKWh, r.SelfSupplyRatio)
		p("Savings\t%.2f\tat %.2f per kWh", r.Savings.SavingsTL, r.PricePerKWh)
	}
	p("")

	if f := v.Feed; f != nil {
		latest := "-"
		if f.Latest != nil {
			latest = string(f.Latest.Type)
		}
		p("Feed\t%s\t%s", f.Status, f.URL)
		p("Messages\t%d\tlatest %s, attempts %d, queued %d", len(f.History), latest, f.Attempts, f.Queued)
		if f.Err != "" {
			p("Feed error\t%s", f.Err)
		}
		if l := v.Live; l != nil {
			p("Live\t%.0f W PV\tgrid %.2f kW, battery %s kW", l.PVPowerW, l.GridInputKW, l.Battery.Power)
		}
		if v.Fleet != nil {
			p("Fleet\t%v/%v reporting\tPV %v W, grid %v kW",
				v.Fleet["reporting"], v.Fleet["inverters"], v.Fleet["pvPowerW"], v.Fleet["gridInputKw"])
		}
		p("")
	}

	names := make([]string, 0, len(v.Inverters.Data))
	for _, inv := range v.Inverters.Data {
		name := inv.SerialNumber
		if inv.Alias != "" {
			name += " (" + inv.Alias + ")"
		}
		names = append(names, name)
	}
	p("Inverters\t%s\t%s", state(v.Inverters.Loading, v.Inverters.HasData, v.Inverters.Err), strings.Join(names, ", "))

	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
