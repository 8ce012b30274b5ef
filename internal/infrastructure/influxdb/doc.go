// Package influxdb mirrors bridge state updates into an InfluxDB v2 bucket.
//
// Every update becomes one point of measurement "loxone_state", tagged with
// the control's topic path and control ID. Numeric and boolean values are
// written to the float field "value" (booleans as 1 or 0, so the field type
// never changes), text values to the string field "text". Updates without a
// derivable value are not written.
//
// Writes go through the non-blocking batched write API of
// influxdb-client-go; failures are reported asynchronously to the callback
// registered with SetOnError.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteState("living_room/lights/main_light", controlID, 1.0, time.Now())
package influxdb
