// Package obexd runs the OBEX Object Push and Phonebook Access profiles.
//
// A Service owns one control loop. Transport read goroutines and file
// readers only post work to it, so the profile servers never lock.
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := obexd.New(cfg, obexd.Deps{Notifier: myNotifier})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Stop(context.Background())
//
//	svc.SendFile("00:1A:7D:DA:71:13", "/tmp/photo.jpg")
//
// Events arrive on the configured notify.Notifier. Confirmation and
// connection requests are answered with ConfirmReceivingFile,
// ReplyToConnectionRequest and ReplyToAuthChallenge.
package obexd
