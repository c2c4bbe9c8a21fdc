// Package mqtt publishes beamline automation events to an MQTT broker.
//
// The autoscan sequencer announces run status and every corrected projection,
// and the reconstruction pipeline announces finished processing runs. Topics
// are scoped by site:
//
//	srx/<site>/system/status          retained online/offline, LWT on crash
//	srx/<site>/sequence/status        retained run snapshot
//	srx/<site>/sequence/projection    one message per projection
//	srx/<site>/sequence/control       inbound stop requests
//	srx/<site>/processing/run         one message per reconstruction
//
// The broker is optional. Callers hold a Publisher-shaped interface and pass
// nil or a no-op when MQTT is disabled.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Site.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(client.Topics().SequenceProjection(), event, false)
package mqtt
