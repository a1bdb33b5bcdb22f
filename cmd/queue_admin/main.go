package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trailpass/internal/config"
	"trailpass/internal/db"
	"trailpass/internal/queue"
	"trailpass/internal/repository"
	"trailpass/internal/service"
)

var queueNames = []string{"user-deletion", "mail"}

func main() {
	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewExample()
	defer logger.Sync()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis: %v", err)
	}

	for {
		fmt.Println("===== Colas =====")
		for i, name := range queueNames {
			fmt.Printf("[%d] %s\n", i+1, name)
		}
		fmt.Println("[S] Salir")
		fmt.Print("Selecciona una cola: ")
		choice, _ := reader.ReadString('\n')
		choice = strings.TrimSpace(choice)

		if strings.EqualFold(choice, "S") {
			return
		}
		idx, err := strconv.Atoi(choice)
		if err != nil || idx < 1 || idx > len(queueNames) {
			fmt.Println("Seleccion invalida.")
			continue
		}

		q := queue.NewRedisQueue(redisClient, queueNames[idx-1])
		if err := runQueueMenu(ctx, reader, q, cfg, logger); err != nil {
			log.Printf("error en menu: %v", err)
		}
	}
}

func runQueueMenu(ctx context.Context, reader *bufio.Reader, q *queue.RedisQueue, cfg *config.Config, logger *zap.Logger) error {
	for {
		fmt.Printf("\n--- Cola: %s ---\n", q.Name())
		fmt.Println("[1] Ver estado")
		fmt.Println("[2] Listar dead-letter")
		fmt.Println("[3] Reintentar job fallido")
		fmt.Println("[4] Reintentar todos los fallidos")
		if q.Name() == "user-deletion" {
			fmt.Println("[5] Escanear bajas vencidas ahora")
		}
		fmt.Println("[V] Volver")
		fmt.Print("Selecciona una opcion: ")

		line, _ := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		switch strings.ToUpper(line) {
		case "1":
			if err := printStats(ctx, q); err != nil {
				fmt.Printf("Error leyendo estado: %v\n", err)
			}
		case "2":
			if err := printFailed(ctx, q); err != nil {
				fmt.Printf("Error listando fallidos: %v\n", err)
			}
		case "3":
			fmt.Print("ID del job: ")
			id, _ := reader.ReadString('\n')
			id = strings.TrimSpace(id)
			if id == "" {
				fmt.Println("ID vacio.")
				continue
			}
			if err := q.Retry(ctx, id); err != nil {
				fmt.Printf("Error reintentando: %v\n", err)
			} else {
				fmt.Println("Job devuelto a la cola.")
			}
		case "4":
			n, err := retryAll(ctx, q)
			if err != nil {
				fmt.Printf("Error reintentando: %v\n", err)
			}
			fmt.Printf("%d jobs devueltos a la cola.\n", n)
		case "5":
			if q.Name() != "user-deletion" {
				fmt.Println("Opcion invalida.")
				continue
			}
			ids, err := scanDeletions(ctx, q, cfg, logger)
			if err != nil {
				fmt.Printf("Error en el escaneo: %v\n", err)
			}
			fmt.Printf("%d bajas encoladas.\n", len(ids))
		case "V":
			return nil
		default:
			fmt.Println("Opcion invalida.")
		}
	}
}

func printStats(ctx context.Context, q *queue.RedisQueue) error {
	stats, err := q.Stats(ctx)
	if err != nil {
		return err
	}
	for _, key := range []string{"wait", "active", "delayed", "failed"} {
		fmt.Printf("%-8s %d\n", key, stats[key])
	}
	return nil
}

func printFailed(ctx context.Context, q *queue.RedisQueue) error {
	jobs, err := q.Failed(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No hay jobs fallidos.")
		return nil
	}
	for _, job := range jobs {
		fmt.Printf("%s intentos=%d/%d creado=%s error=%q\n",
			job.ID, job.Attempts, job.MaxAttempts, job.CreatedAt.Format("2006-01-02 15:04"), job.LastError)
	}
	return nil
}

func retryAll(ctx context.Context, q *queue.RedisQueue) (int, error) {
	jobs, err := q.Failed(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if err := q.Retry(ctx, job.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// scanDeletions corre el productor a mano; solo usa la base y la cola.
func scanDeletions(ctx context.Context, q *queue.RedisQueue, cfg *config.Config, logger *zap.Logger) ([]string, error) {
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	svc := service.NewDeletionService(logger, repository.NewStore(pool), nil, nil, q, nil, nil, service.DeletionConfig{
		BatchSize:   cfg.DeletionBatchSize,
		MaxAttempts: cfg.DeletionMaxAttempts,
		Backoff:     cfg.DeletionBackoff,
	})
	return svc.ScanAndEnqueue(ctx)
}
