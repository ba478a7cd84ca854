package sqlinline

// The debit only applies when the balance covers the amount and no debit row
// exists yet for (job_id, unit_key). No returned row means either condition
// failed; QSelectDebitExists tells them apart.
const QDebitCredits = `--sql 491894db-f63b-4636-90a0-d28898bcf54c
with debited as (
    update user_credits
    set balance = balance - $5::bigint,
        updated_at = now()
    where user_id = $2::text
      and balance >= $5::bigint
      and not exists (
          select 1
          from credit_ledger
          where job_id = $3::text
            and unit_key = $4::text
            and kind = 'debit'
      )
    returning balance
),
entry as (
    insert into credit_ledger (id, user_id, job_id, unit_key, kind, amount, reason, created_at)
    select $1::uuid, $2::text, $3::text, $4::text, 'debit', $5::bigint, $6::text, now()
    from debited
    on conflict (job_id, unit_key, kind) do nothing
    returning id
)
select balance from debited;
`

const QSelectDebitExists = `--sql 60aa3435-66c5-42dd-ba76-1f13bcd8f407
select exists (
    select 1
    from credit_ledger
    where job_id = $1::text
      and unit_key = $2::text
      and kind = 'debit'
);
`

// Refunds the amount of the original debit, never the caller's figure.
const QCreditBack = `--sql ea4b3912-5ced-42d2-b0d9-b46a9d2b054c
with original as (
    select amount
    from credit_ledger
    where job_id = $3::text
      and unit_key = $4::text
      and user_id = $2::text
      and kind = 'debit'
),
entry as (
    insert into credit_ledger (id, user_id, job_id, unit_key, kind, amount, reason, created_at)
    select $1::uuid, $2::text, $3::text, $4::text, 'refund', amount, $5::text, now()
    from original
    on conflict (job_id, unit_key, kind) do nothing
    returning amount
)
update user_credits
set balance = balance + (select amount from entry),
    updated_at = now()
where user_id = $2::text
  and exists (select 1 from entry);
`

const QGrantCredits = `--sql 623f3701-a99e-40cc-99ae-b2bfd6bde81a
with entry as (
    insert into credit_ledger (id, user_id, job_id, unit_key, kind, amount, reason, created_at)
    values ($1::uuid, $2::text, $1::text, 'grant', 'grant', $3::bigint, $4::text, now())
    returning amount
)
insert into user_credits (user_id, balance, updated_at)
values ($2::text, (select amount from entry), now())
on conflict (user_id) do update set
    balance = user_credits.balance + excluded.balance,
    updated_at = now()
returning balance;
`

const QSelectCreditBalance = `--sql ea8454e5-0483-4507-9a70-963e056f353f
select balance
from user_credits
where user_id = $1::text
limit 1;
`
