package main

import (
	"flag"
	"log"
	"reflect"

	"github.com/robotalks/ssam.go/pkg/bridge/comm/mqtt"
	"github.com/robotalks/ssam.go/pkg/bridge/msgs"
	"github.com/robotalks/ssam.go/pkg/env"
)

//go-build: CGO_ENABLED=0

var mqttURL = env.Default().BrokerURL

func init() {
	flag.StringVar(&mqttURL, "mqtt", mqttURL, "MQTT broker URL.")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	q, err := mqtt.NewQueueFromURL(mqttURL)
	if err != nil {
		log.Fatalln(err)
	}
	if token := q.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalln(token.Error())
	}

	q.Sub("#", mqtt.Handler(func(topic string, payload []byte) {
		if info, ok := mqtt.ParseMeta(topic, payload); ok {
			log.Printf("%s: %s %+v", topic, info.Ref.Name(), info.Meta)
			return
		}
		if len(payload) == 0 {
			log.Printf("%s: cleared", topic)
			return
		}
		typed, err := msgs.DecodeTyped(payload)
		if err != nil {
			log.Printf("%s: bad message: %v", topic, err)
			return
		}
		msg, err := typed.Decode()
		if err != nil {
			log.Printf("%s: decode error: (type_id=%x) %v", topic, typed.TypeID, err)
			return
		}
		log.Printf("%s: [%s] client=%s seq=%d %s", topic,
			reflect.Indirect(reflect.ValueOf(msg)).Type().Name(), typed.Client, typed.Sequence,
			msg.(msgs.SerializableMessage).Serializable().String())
	}))
	<-(chan struct{})(nil)
}
