// Package influxdb records scan-window corrections, projection timings and
// reconstruction runs as InfluxDB time series.
//
// Measurements:
//
//	scan_correction  tags site, axis, outcome      fields delta, old_center, new_center, pixel, theta, index
//	projection       tags site, orientation        fields duration_s, theta, index, data_available
//	processing_run   tags site, algorithm, status  fields duration_s, files
//
// Writes are non-blocking and batched per the batch_size and flush_interval
// settings. Non-finite values are dropped from the field set because line
// protocol cannot carry them.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.WriteCorrection(influxdb.CorrectionSample{Axis: "x", Outcome: "accepted", Delta: 0.4})
package influxdb
