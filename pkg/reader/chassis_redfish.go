package reader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/common/config"
	"github.com/stmcginnis/gofish"
	"github.com/stmcginnis/gofish/redfish"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// RedfishConfig configures the BMC/Redfish connection for the chassis
// reader.
type RedfishConfig struct {
	Endpoint           string
	Username           string
	Password           string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// RedfishChassisReader populates Chassis samples (total power, PSUs, fans,
// and an inlet temperature taken from the first thermal reading) from a
// BMC's Redfish API; the outlet temperature is not read. It is grounded directly on the teacher's
// redfishCollector: connect once, read power on every cycle, fall back to
// the last cached reading and reconnect on error.
type RedfishChassisReader struct {
	logger      *slog.Logger
	clientCfg   gofish.ClientConfig
	client      *gofish.APIClient
	chassis     []*redfish.Chassis
	cachedPower map[string]*redfish.Power
}

// NewRedfishChassisReader builds the HTTP client via
// prometheus/common/config (same idiom the teacher uses) and connects.
func NewRedfishChassisReader(cfg RedfishConfig, logger *slog.Logger) (*RedfishChassisReader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient, err := config.NewClientFromConfig(config.DefaultHTTPClientConfig, "redfish")
	if err != nil {
		return nil, types.NewReaderError(types.KindPlatformInit, fmt.Errorf("building redfish http client: %w", err))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	httpClient.Timeout = timeout

	clientCfg := gofish.ClientConfig{
		Endpoint:         cfg.Endpoint,
		Username:         cfg.Username,
		Password:         cfg.Password,
		Insecure:         cfg.InsecureSkipVerify,
		HTTPClient:       httpClient,
		ReuseConnections: true,
	}

	r := &RedfishChassisReader{
		logger:      logger,
		clientCfg:   clientCfg,
		cachedPower: make(map[string]*redfish.Power),
	}

	if err := r.connect(); err != nil {
		return nil, types.NewReaderError(types.KindPlatformInit, err)
	}

	return r, nil
}

func (r *RedfishChassisReader) Name() string { return "chassis-redfish" }

func (r *RedfishChassisReader) connect() error {
	client, err := gofish.Connect(r.clientCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to redfish: %w", err)
	}

	chassis, err := client.Service.Chassis()
	if err != nil {
		return fmt.Errorf("failed to fetch chassis from redfish: %w", err)
	}

	r.client = client
	r.chassis = chassis

	return nil
}

func (r *RedfishChassisReader) logout() {
	if r.client != nil {
		r.client.Logout()
		r.client = nil
	}
}

// Sample implements types.ChassisReader, summing power/fan/PSU readings
// across every chassis the BMC reports.
func (r *RedfishChassisReader) Sample(ctx context.Context) (*types.Chassis, error) {
	out := &types.Chassis{}

	for _, chass := range r.chassis {
		power, err := chass.Power()
		if err != nil || power == nil {
			r.logger.Debug("failed to read redfish power, using cached value", "chassis", chass.ID, "err", err)

			power = r.cachedPower[chass.ID]

			if err != nil {
				r.logout()
				if reErr := r.connect(); reErr != nil {
					r.logger.Error("failed to reconnect to redfish", "err", reErr)
				}
			}
		} else {
			r.cachedPower[chass.ID] = power
		}

		if power == nil {
			continue
		}

		for _, pwc := range power.PowerControl {
			out.TotalWatts += float64(pwc.PowerConsumedWatts)
		}

		for _, psu := range power.PowerSupplies {
			watts := float64(psu.LastPowerOutputWatts)
			out.PSUs = append(out.PSUs, types.PSU{
				Name:   psu.Name,
				ID:     psu.MemberID,
				Status: psuStatusFromHealth(string(psu.Status.Health)),
				Watts:  &watts,
			})
		}

		thermal, err := chass.Thermal()
		if err == nil && thermal != nil {
			for _, fan := range thermal.Fans {
				out.Fans = append(out.Fans, types.Fan{
					Name:   fan.Name,
					ID:     fan.MemberID,
					RPM:    fan.Reading,
					MaxRPM: fan.MaxReadingRange,
				})
			}

			if len(thermal.Temperatures) > 0 {
				inlet := float64(thermal.Temperatures[0].ReadingCelsius)
				out.InletTemperature = &inlet
			}
		}
	}

	return out, nil
}

func psuStatusFromHealth(health string) types.PSUStatus {
	switch health {
	case "OK":
		return types.PSUOk
	case "Warning":
		return types.PSUWarning
	case "Critical":
		return types.PSUCritical
	default:
		return types.PSUUnknown
	}
}
