// Package lostpaw trains and serves an embedding model that maps pet face
// images to vectors, so that two photos of the same pet land close together
// and photos of different pets land far apart.
//
// # Training
//
// A dataset is a directory of images plus a JSON-lines info file that groups
// image paths by pet id (see pkg/dataset). Training draws balanced batches of
// same-pet and different-pet pairs, minimises a contrastive loss and rotates
// the validation identities across cross-validation folds:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	client, err := lostpaw.NewClient(ctx, cfg, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	res, err := client.Train(ctx, nil)
//
// Checkpoints are written to checkpoint.dir and can be mirrored to
// S3-compatible storage. Setting train.resume continues from the newest
// checkpoint with the same batches an uninterrupted run would have drawn.
//
// # Testing and comparing
//
// Test draws eval.batch_count batches from the held-out identities and
// returns the averaged counts of correct and incorrect same/different
// decisions:
//
//	rates, err := client.Test(ctx, nil)
//	fmt.Printf("accuracy %.3f\n", rates.Accuracy())
//
// Compare embeds two image files and reports their cosine similarity:
//
//	cmp, err := client.Compare(ctx, "a.jpg", "b.jpg")
//
// # Serving
//
// pkg/server exposes the encoder over HTTP (/predict, /compare) together with
// a badger-backed gallery of registered pets (/register, /match), answering
// "which registered pet is this?" for a found animal.
package lostpaw
